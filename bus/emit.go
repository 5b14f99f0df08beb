package bus

import (
	"context"
	"fmt"

	"interbus/wire"
)

// Emit 向接口发射一条即发即弃的消息，不期待响应。
// 接口无人持有时返回 wire.ErrBadInterface，此时没有任何副作用。
func (c *Conn) Emit(iface wire.InterfaceID, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	_, err := c.env.EmitMessage(iface, payload, false)
	return err
}

// EmitWithResponse 向接口发射一条期待响应的消息，返回以 T 类型
// 解码应答负载的未来。
//
// 发射失败（如 wire.ErrBadInterface）时返回已失败的未来。发射
// 成功后等待者立即登记进未决响应表：由于接收循环的兴趣集每轮
// 由该表重建，应答不可能在登记完成前被消费。
//
// 应答负载解码失败只影响这一个未来（以 *DecodeError 完成），
// 其余等待者不受波及。取消未来会尽力撤回请求；撤回与应答的
// 竞争中两种结果都正常（见 Future.Cancel）。
func EmitWithResponse[T any](c *Conn, iface wire.InterfaceID, payload []byte) *Future[T] {
	if c.closed.Load() {
		return failedFuture[T](ErrConnClosed)
	}
	id, err := c.env.EmitMessage(iface, payload, true)
	if err != nil {
		return failedFuture[T](err)
	}
	f := newFuture[T]()
	f.cancel = func() { c.retirePending(id) }
	e := pendingEntry{
		deliver: func(raw []byte) {
			var v T
			if err := c.codec.Unmarshal(raw, &v); err != nil {
				var zero T
				f.resolve(zero, &DecodeError{MessageID: id, Err: err})
				return
			}
			f.resolve(v, nil)
		},
		fail: func(err error) {
			var zero T
			f.resolve(zero, err)
		},
	}
	c.mu.Lock()
	if c.pending == nil {
		// 与关闭竞争：请求已发出但连接不再接收，撤回并失败
		c.mu.Unlock()
		_ = c.env.CancelMessage(id)
		return failedFuture[T](ErrConnClosed)
	}
	c.pending[id] = e
	c.mu.Unlock()
	c.kickReactor()
	return f
}

// Call 发射请求并等待 T 类型的响应：编码、发射、等待的一站式
// 封装。ctx 结束时放弃等待并撤回请求。
func Call[T any](ctx context.Context, c *Conn, iface wire.InterfaceID, req any) (T, error) {
	var zero T
	payload, err := c.codec.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("encode request: %w", err)
	}
	f := EmitWithResponse[T](c, iface, payload)
	v, err := f.AwaitContext(ctx)
	if err != nil {
		f.Cancel()
		return zero, err
	}
	return v, nil
}
