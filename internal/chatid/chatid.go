package chatid

import (
	"strings"
	"unicode"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/go-playground/validator/v10"
)

// Separator 连接两个用户 id，因此用户 id 本身不能包含它。
const Separator = "_"

var validate = validator.New()

// ValidateUserID 拒绝空 id、超长 id、含分隔符或空白字符的 id。
func ValidateUserID(id string) error {
	if err := validate.Var(id, "required,max=128,printascii,excludesall=_/"); err != nil {
		return errs.Validation("invalid user id %q", id)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return errs.Validation("invalid user id %q", id)
	}
	return nil
}

// Canonical 返回与参数顺序无关的会话 id：min + "_" + max。
func Canonical(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Resolve 校验两端 id 后返回会话 id。
func Resolve(a, b string) (string, error) {
	if err := ValidateUserID(a); err != nil {
		return "", err
	}
	if err := ValidateUserID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", errs.Validation("conversation with self %q", a)
	}
	return Canonical(a, b), nil
}

// Participants 拆分会话 id。
func Participants(conversationID string) (string, string, error) {
	a, b, ok := strings.Cut(conversationID, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) || a >= b {
		return "", "", errs.Validation("malformed conversation id %q", conversationID)
	}
	return a, b, nil
}

// Other 返回会话中 me 以外的另一方。
func Other(conversationID, me string) (string, error) {
	a, b, err := Participants(conversationID)
	if err != nil {
		return "", err
	}
	switch me {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", errs.Validation("user %q is not part of %q", me, conversationID)
}
