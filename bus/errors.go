package bus

import (
	"errors"
	"fmt"

	"interbus/wire"
)

var (
	// ErrCancelled 表示响应未来已被本地取消。
	// 取消后未来以此错误完成，之后到达的迟到应答被静默丢弃。
	ErrCancelled = errors.New("response cancelled")
	// ErrConnClosed 表示连接已关闭。
	// 关闭时所有未决的响应未来以此错误完成。
	ErrConnClosed = errors.New("conn closed")
	// ErrAwaitTimeout 表示 Await 在指定时间内未等到完成。
	// 这只是等待的放弃，不取消请求本身：标识符仍然活跃，
	// 需要超时语义的调用方应组合 Cancel 或使用 Call。
	ErrAwaitTimeout = errors.New("await timeout")
)

// DecodeError 表示一条应答负载无法解码为等待者期望的类型。
// 这是协议层面的编程错误：它只终结对应的那一个响应未来，
// 不影响其他未决条目，也不中断接收循环。
type DecodeError struct {
	// MessageID 出错应答的消息标识符
	MessageID wire.MessageID
	// Err 底层解码错误
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode answer for message %d: %v", e.MessageID, e.Err)
}

// Unwrap 返回底层解码错误。
func (e *DecodeError) Unwrap() error { return e.Err }
