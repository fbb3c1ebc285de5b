package protocol

import (
	"errors"
	"fmt"
)

// 帧错误：单次轮询的局部失败，下一周期重试
var (
	ErrMalformed        = errors.New("帧格式错误")
	ErrTruncated        = errors.New("帧数据不完整")
	ErrChecksumMismatch = errors.New("帧校验失败")
)

// 协议错误：计入状态机的重试预算
var (
	ErrTimeout     = errors.New("应答超时")
	ErrDeviceError = errors.New("设备返回错误状态")
	ErrUnreachable = errors.New("通道不可用")
)

// FrameError 帧编解码错误
type FrameError struct {
	Kind   error
	Detail string
}

func newFrameError(kind error, format string, args ...any) *FrameError {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *FrameError) Unwrap() error {
	return e.Kind
}

// ProtocolError 请求/应答层错误
type ProtocolError struct {
	Command byte
	Kind    error
	Status  byte  // 仅ErrDeviceError有效
	Cause   error // 底层通道错误
}

func (e *ProtocolError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrDeviceError):
		return fmt.Sprintf("命令0x%02X: %v (状态0x%02X)", e.Command, e.Kind, e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("命令0x%02X: %v: %v", e.Command, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("命令0x%02X: %v", e.Command, e.Kind)
	}
}

func (e *ProtocolError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// IsProtocolError 判断是否为需要消耗重试预算的协议错误
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
