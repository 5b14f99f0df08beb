// Package remote 把五调用环境契约桥接到远端内核。
//
// 服务端把 gRPC 一元调用转发给进程内内核；客户端 Env 实现环境
// 契约，进程可以通过它（以及上层的 bus.Conn）使用另一个地址
// 空间里的总线。契约内的失败以带内状态码传回，只有传输层失败
// 才计入熔断。
package remote

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"interbus/wire"
)

const (
	// serviceName 桥接服务在 gRPC 上的注册名
	serviceName = "interbus.Kernel"
	// bridgeProto 桥接协议版本，Attach 时校验
	bridgeProto = 1
)

var (
	// ErrBridgeOpen 熔断器打开，桥接调用被本地拒绝。
	ErrBridgeOpen = errors.New("remote: bridge circuit open")
	// ErrBridgeClosed 远端进程已释放或远端内核已关闭。
	// 桥接的关闭是终止性的，因此包装 wire.ErrEnvClosed；
	// 传输层的瞬时失败（超时、熔断）不包装它。
	ErrBridgeClosed = fmt.Errorf("remote: bridge closed: %w", wire.ErrEnvClosed)
	// ErrUnknownPID 远端不认识请求中的进程句柄，通常意味着远端重启过。
	ErrUnknownPID = errors.New("remote: unknown pid")
	// ErrProtoMismatch 客户端与服务端的桥接协议版本不一致。
	ErrProtoMismatch = errors.New("remote: protocol version mismatch")
)

// rpcCodec 实现 gRPC 的 gob 编解码器。
// 仅适用于 Go 程序之间的桥接。
type rpcCodec struct{}

// Name 返回编解码器名称 "gob"。
func (rpcCodec) Name() string { return "gob" }

// Marshal 使用 gob 编码将值序列化为字节切片。
func (rpcCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal 使用 gob 解码将字节切片反序列化为值。
func (rpcCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// status 是带内状态码。契约内的失败作为正常响应传回，
// 不占用 gRPC 错误通道，因而不会被熔断器计数。
type status uint8

const (
	// statusOK 操作成功
	statusOK status = iota
	// statusBadInterface 接口无人持有
	statusBadInterface
	// statusAlreadyRegistered 接口已被注册
	statusAlreadyRegistered
	// statusInvalidMessageID 消息标识符不活跃
	statusInvalidMessageID
	// statusUnknownPID 进程句柄未知
	statusUnknownPID
	// statusBadProto 协议版本不一致
	statusBadProto
	// statusClosed 远端进程已释放
	statusClosed
)

// statusOf 把内核错误映射为带内状态码。
func statusOf(err error) status {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, wire.ErrBadInterface):
		return statusBadInterface
	case errors.Is(err, wire.ErrAlreadyRegistered):
		return statusAlreadyRegistered
	case errors.Is(err, wire.ErrInvalidMessageID):
		return statusInvalidMessageID
	default:
		return statusClosed
	}
}

// err 把带内状态码还原为错误。
func (s status) err() error {
	switch s {
	case statusOK:
		return nil
	case statusBadInterface:
		return wire.ErrBadInterface
	case statusAlreadyRegistered:
		return wire.ErrAlreadyRegistered
	case statusInvalidMessageID:
		return wire.ErrInvalidMessageID
	case statusUnknownPID:
		return ErrUnknownPID
	case statusBadProto:
		return ErrProtoMismatch
	default:
		return ErrBridgeClosed
	}
}

// attachReq 申请一个远端进程句柄。
type attachReq struct {
	// Proto 客户端的桥接协议版本
	Proto uint16
}

// attachResp 返回新生成的进程句柄。
type attachResp struct {
	Status status
	PID    wire.PID
}

// registerReq 注册一个接口。
type registerReq struct {
	PID       wire.PID
	Interface wire.InterfaceID
}

// emitReq 发射一条消息。
type emitReq struct {
	PID         wire.PID
	Interface   wire.InterfaceID
	Payload     []byte
	NeedsAnswer bool
}

// emitResp 返回发射结果与分配的消息标识符。
type emitResp struct {
	Status    status
	MessageID wire.MessageID
}

// answerReq 应答一条消息。
type answerReq struct {
	PID       wire.PID
	MessageID wire.MessageID
	Payload   []byte
}

// cancelReq 取消一条消息。
type cancelReq struct {
	PID       wire.PID
	MessageID wire.MessageID
}

// controlResp 是只携带状态码的通用响应。
type controlResp struct {
	Status status
}

// nextReq 尝试接收一条匹配兴趣集的消息。服务端从不阻塞，
// 客户端用 waitReq 长轮询等待。
type nextReq struct {
	PID      wire.PID
	Interest []uint64
	// MaxBytes 客户端接收缓冲区的大小
	MaxBytes int
}

// nextResp 返回接收结果。
type nextResp struct {
	Status status
	// N 与多路复用接收原语的返回值同义：0 表示无匹配，
	// N <= MaxBytes 表示 Frame 携带了已消费的消息，
	// N > MaxBytes 表示消息未消费，需要更大的缓冲区
	N int
	// Frame 编码后的消息，仅当消息被消费时非空
	Frame []byte
	// Interest 回显的兴趣集，命中的槽位已被清零
	Interest []uint64
}

// waitReq 长轮询：等待出现匹配兴趣集的消息。
type waitReq struct {
	PID      wire.PID
	Interest []uint64
	// TimeoutMS 服务端最长等待毫秒数
	TimeoutMS int64
}

// waitResp 返回长轮询结果。
type waitResp struct {
	Status status
	// HasMatch 为 true 表示值得立即重试接收
	HasMatch bool
}

// detachReq 释放远端进程句柄。
type detachReq struct {
	PID wire.PID
}
