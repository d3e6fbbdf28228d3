package errs

import (
	"errors"
	"fmt"
)

// 三类错误：调用方参数不合法、后端暂时不可用（可重试）、引用的记录不存在。
// handler 通过 errors.Is 映射到 400 / 503 / 404。
var (
	ErrValidation  = errors.New("validation failed")
	ErrTransientIO = errors.New("transient io failure")
	ErrNotFound    = errors.New("not found")
)

// Error 携带错误类别与出错的操作名。
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation 构造参数校验错误，必须在任何 I/O 之前返回。
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound 构造记录不存在错误。
func NotFound(kind, id string) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf("%s %q", kind, id)}
}

// Transient 把底层存储错误归类为可重试错误；已分类的错误只补充操作名。
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: ErrTransientIO, Op: op, Err: err}
}

// Classified 判断错误是否已属于三类之一。
func Classified(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrTransientIO) || errors.Is(err, ErrNotFound)
}
