package kernel

import (
	"sync/atomic"

	"interbus/queue"
	"interbus/wire"
)

// Proc 是进程在内核中的环境句柄，实现五调用环境契约：
// 注册、发射、应答、取消和多路复用接收。
//
// 句柄方法可以被并发调用，但接收调用期间 interest 和 out 缓冲区
// 不得被其他代码修改（单飞约束），通常由唯一的接收方保证。
type Proc struct {
	// k 所属内核
	k *Kernel
	// pid 进程标识符
	pid wire.PID
	// q 投递队列
	q *queue.Queue
	// released 释放标志，保证 Release 只执行一次
	released atomic.Bool
}

// PID 返回进程标识符。
func (p *Proc) PID() wire.PID { return p.pid }

// RegisterInterface 注册一个接口，使后续对它的发射路由到本进程。
// 先注册者胜：任何进程对同一标识符的第二次注册返回
// ErrAlreadyRegistered，且对既有注册无影响。
func (p *Proc) RegisterInterface(id wire.InterfaceID) error {
	if p.released.Load() {
		return ErrProcReleased
	}
	return p.k.registerInterface(p, id)
}

// EmitMessage 向接口发射一条消息。
//
// 没有进程注册该接口时返回 ErrBadInterface 且无任何副作用。
// needsAnswer 为 false 时消息即发即忘，返回的标识符为 0。
// needsAnswer 为 true 且提交成功时返回新分配的活跃消息标识符，
// 它最终必须被应答、取消或随本进程释放而退役。
// payload 在调用期间归本调用所有，返回后调用方可以复用。
func (p *Proc) EmitMessage(iface wire.InterfaceID, payload []byte, needsAnswer bool) (wire.MessageID, error) {
	if p.released.Load() {
		return 0, ErrProcReleased
	}
	if !needsAnswer {
		_, err := p.k.route(p, iface, payload, false)
		return 0, err
	}
	return p.k.route(p, iface, payload, true)
}

// EmitAnswer 应答一个投递给本进程的消息标识符。
// 标识符不活跃或不属于本进程应答时返回 ErrInvalidMessageID。
func (p *Proc) EmitAnswer(id wire.MessageID, payload []byte) error {
	if p.released.Load() {
		return ErrProcReleased
	}
	return p.k.answer(p, id, payload)
}

// CancelMessage 取消本进程发射的一个活跃消息标识符。
// 标识符不活跃时返回 ErrInvalidMessageID；与应答的竞争是固有的，
// 两种结局都合法。
func (p *Proc) CancelMessage(id wire.MessageID) error {
	if p.released.Load() {
		return ErrProcReleased
	}
	return p.k.cancel(p, id)
}

// NextMessage 返回下一条匹配兴趣集的消息，语义见 queue.Queue.Next：
// FIFO、跳过但保留不匹配者、缓冲区不足返回所需字节数、
// 命中的兴趣槽位被清零。
func (p *Proc) NextMessage(interest []uint64, out []byte, block bool) (int, error) {
	return p.q.Next(interest, out, block)
}

// Ready 返回新消息通知通道，配合非阻塞接收使用。
func (p *Proc) Ready() <-chan struct{} { return p.q.Ready() }

// HasMatch 报告投递队列中是否有匹配兴趣集的消息，不消费任何消息。
// 远程桥接的长轮询用它判断何时让客户端重试接收。
func (p *Proc) HasMatch(interest []uint64) bool { return p.q.HasMatch(interest) }

// Closed 返回投递队列的关闭通道。
func (p *Proc) Closed() <-chan struct{} { return p.q.Closed() }

// Release 释放进程：关闭投递队列并撤销本进程发射的未决标识符。
// 本进程注册过的接口保持被占用，后续路由到它们将失败。
// 可以安全地多次调用。
func (p *Proc) Release() {
	if p.released.Swap(true) {
		return
	}
	p.k.release(p)
}

// Close 实现环境契约的关闭操作，等价于 Release。
func (p *Proc) Close() error {
	p.Release()
	return nil
}
