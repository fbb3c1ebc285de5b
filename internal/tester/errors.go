package tester

import (
	"errors"
	"fmt"
)

// 会话错误：同步返回给调用方，不改变会话状态
var (
	ErrInvalidSerialNumber    = errors.New("电池序列号格式错误")
	ErrPrecheckFailed         = errors.New("预检未通过")
	ErrInvalidTransition      = errors.New("当前状态不允许该操作")
	ErrIncompleteConfig       = errors.New("测试配置不完整")
	ErrOverrideReasonRequired = errors.New("人工复判必须填写原因")
)

// SessionError 非法操作错误
type SessionError struct {
	Op    string
	State State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s (状态=%s): %v", e.Op, e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
