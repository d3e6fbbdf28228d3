package service

import "github.com/RishabhIDS/d8-byte-app/internal/errs"

// 业务层通用错误，均归入 errs 的三类之一，handler 据此映射 HTTP 状态码。
var (
	ErrEmptyMessage    = errs.Validation("message text is empty")
	ErrBotConversation = errs.Validation("bots do not take part in stored conversations")
	ErrEmptyName       = errs.Validation("display name is empty")
)
