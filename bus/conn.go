package bus

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"interbus/queue"
	"interbus/wire"
)

// receiveRetryDelay 是接收遇到瞬时故障后的重试间隔，
// 与桥接环境长轮询的退避一致。
const receiveRetryDelay = 200 * time.Millisecond

// Handler 是接口消息的消费者函数。
// 同一连接的投递按到达顺序在专用的分发 goroutine 上串行执行，
// 处理函数可以自由地再发射请求并等待响应。
type Handler func(Delivery)

// pendingEntry 是未决响应表的一个条目，对应一个活跃的消息标识符。
// deliver 和 fail 同为 nil 时是墓碑：标识符继续留在兴趣集中，
// 直到迟到的应答被排掉丢弃。
type pendingEntry struct {
	// deliver 解码应答负载并完成对应的未来
	deliver func([]byte)
	// fail 以错误完成对应的未来
	fail func(error)
}

// dispatchItem 是等待分发给消费者的一次投递。
type dispatchItem struct {
	h Handler
	d Delivery
}

// Options 配置连接。
type Options struct {
	// Codec 应用负载编码器，默认 GobCodec
	Codec Codec
	// ReadBuffer 接收缓冲区的初始字节数，默认 512。
	// 遇到更大的消息时缓冲区自动增长。
	ReadBuffer int
}

// Conn 是反应器/关联器：环境的独占持有者。
//
// 它用一条接收 goroutine 把单一的多路复用接收原语分发给任意多个
// 并发的响应未来和接口消息消费者。任何时刻至多一次物理接收调用
// 在途；并发的逻辑等待者共享这一次调用。兴趣集在每轮排水的开头
// 由未决响应表和消费者表重建，因此兴趣的增删从不触及在途调用，
// 新兴趣从下一次调用起生效。
type Conn struct {
	// env 环境句柄，接收方向由本连接独占
	env Env
	// codec 应用负载编码器
	codec Codec
	// readBuf 接收缓冲区初始大小
	readBuf int

	// mu 保护 pending 和 consumers
	mu sync.Mutex
	// pending 未决响应表：活跃消息标识符到等待者的映射
	pending map[wire.MessageID]pendingEntry
	// consumers 接口到消费者的映射
	consumers map[wire.InterfaceID]Handler

	// dmu 保护 dq
	dmu sync.Mutex
	// dq 等待分发的接口消息投递
	dq *queue.Ring[dispatchItem]
	// dnotify 新投递通知通道
	dnotify chan struct{}

	// kick 兴趣集变更通知通道，唤醒停驻的接收循环
	kick chan struct{}
	// done 连接关闭信号
	done chan struct{}
	// closed 关闭标志
	closed atomic.Bool
	// wg 等待接收和分发 goroutine 退出
	wg sync.WaitGroup
}

// NewConn 创建连接并启动接收与分发循环。
// 创建之后 env 的接收方向归连接独占：其他代码不得再调用
// env.NextMessage。
func NewConn(env Env, opts Options) *Conn {
	c := &Conn{
		env:       env,
		codec:     opts.Codec,
		readBuf:   opts.ReadBuffer,
		pending:   make(map[wire.MessageID]pendingEntry),
		consumers: make(map[wire.InterfaceID]Handler),
		dq:        queue.NewRing[dispatchItem](16),
		dnotify:   make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if c.codec == nil {
		c.codec = GobCodec{}
	}
	if c.readBuf <= 0 {
		c.readBuf = 512
	}
	c.wg.Add(2)
	go c.run()
	go c.dispatchLoop()
	return c
}

// Codec 返回连接的应用负载编码器。
func (c *Conn) Codec() Codec { return c.codec }

// Register 注册一个接口并安装它的消费者。
// 先注册者胜的语义来自环境；本地重复注册同样返回
// wire.ErrAlreadyRegistered。消费者先于环境注册安装，
// 保证首条投递到达时一定有处理者。
func (c *Conn) Register(iface wire.InterfaceID, h Handler) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	if _, dup := c.consumers[iface]; dup {
		c.mu.Unlock()
		return wire.ErrAlreadyRegistered
	}
	c.consumers[iface] = h
	c.mu.Unlock()
	if err := c.env.RegisterInterface(iface); err != nil {
		c.mu.Lock()
		delete(c.consumers, iface)
		c.mu.Unlock()
		return err
	}
	c.kickReactor()
	return nil
}

// Close 关闭连接：停止接收和分发循环，以 ErrConnClosed 完成所有
// 未决的响应未来，并释放环境。可以安全地多次调用。
//
// Close 会等待分发循环退出，因此不得在消费者处理函数内调用，
// 否则会死锁。
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	c.failPending(ErrConnClosed)
	return c.env.Close()
}

// run 是接收循环：环境上唯一的 NextMessage 调用方。
//
// 每轮重建兴趣集后发起一次非阻塞接收。没有匹配时停驻在环境的
// 就绪通知和兴趣变更通知上；消息大于缓冲区时按提示扩容重试
// （消息未被消费，仍在匹配子序列头部）。无法解码的帧和无人
// 认领的消息只被诊断丢弃，瞬时的接收故障（桥接超时、熔断打开）
// 退避后重试：接收循环只在环境永久关闭（wire.ErrEnvClosed）时
// 终止，其余任何单次失败都不中断活跃标识符的关联。
func (c *Conn) run() {
	defer c.wg.Done()
	out := make([]byte, c.readBuf)
	interest := make([]uint64, 0, 16)
	for {
		interest = c.buildInterest(interest[:0])
		n, err := c.env.NextMessage(interest, out, false)
		if err != nil {
			if errors.Is(err, wire.ErrEnvClosed) {
				c.failPending(ErrConnClosed)
				return
			}
			log.Printf("bus: receive failed, retrying: %v", err)
			select {
			case <-time.After(receiveRetryDelay):
			case <-c.done:
				return
			}
			continue
		}
		if n == 0 {
			select {
			case <-c.env.Ready():
			case <-c.kick:
			case <-c.done:
				return
			}
			continue
		}
		if n > len(out) {
			out = make([]byte, grownSize(len(out), n))
			continue
		}
		m, err := wire.DecodeMessage(out[:n])
		if err != nil {
			log.Printf("bus: dropping undecodable frame: %v", err)
			continue
		}
		c.deliver(&m)
	}
}

// buildInterest 从未决响应表和消费者表重建兴趣集。
// 至少存在一个消费者时包含"任何接口消息"哨兵；每个活跃的
// 消息标识符（含墓碑）占一个槽位。
func (c *Conn) buildInterest(interest []uint64) []uint64 {
	c.mu.Lock()
	if len(c.consumers) > 0 {
		interest = append(interest, wire.AnyInterfaceMessage)
	}
	for id := range c.pending {
		interest = append(interest, uint64(id))
	}
	c.mu.Unlock()
	return interest
}

// deliver 把一条收到的消息分发到正确的等待者。
func (c *Conn) deliver(m *wire.Message) {
	switch m.Kind {
	case wire.KindResponse:
		c.mu.Lock()
		e, ok := c.pending[m.MessageID]
		if ok {
			delete(c.pending, m.MessageID)
		}
		c.mu.Unlock()
		if !ok {
			// 已退役的标识符：与取消竞争的迟到应答，正常丢弃
			return
		}
		if e.deliver == nil {
			// 墓碑排水完成
			return
		}
		e.deliver(m.Payload)
	case wire.KindInterface:
		c.mu.Lock()
		h, ok := c.consumers[m.Interface]
		c.mu.Unlock()
		if !ok || h == nil {
			log.Printf("bus: dropping message for unconsumed interface %s", m.Interface)
			return
		}
		c.dmu.Lock()
		c.dq.PushBack(dispatchItem{h: h, d: Delivery{
			Interface:  m.Interface,
			MessageID:  m.MessageID,
			EmitterPID: m.EmitterPID,
			Payload:    m.Payload,
			conn:       c,
		}})
		c.dmu.Unlock()
		select {
		case c.dnotify <- struct{}{}:
		default:
		}
	}
}

// dispatchLoop 按到达顺序串行调用消费者。
// 独立于接收循环运行，消费者因此可以自由地发射请求并等待
// 同一连接上的响应。
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()
	for {
		c.dmu.Lock()
		it, ok := c.dq.PopFront()
		c.dmu.Unlock()
		if ok {
			c.invoke(it)
			continue
		}
		select {
		case <-c.dnotify:
		case <-c.done:
			return
		}
	}
}

// invoke 调用单个消费者，恢复 panic 以保护分发循环。
func (c *Conn) invoke(it dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: consumer panic interface=%s: %v", it.d.Interface, r)
		}
	}()
	it.h(it.d)
}

// failPending 以 err 完成所有未决的响应未来并清空表。
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	entries := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, e := range entries {
		if e.fail != nil {
			e.fail(err)
		}
	}
}

// retirePending 是响应未来取消时的清理动作。
//
// 先尝试环境侧取消：成功则条目直接移除（应答不会再来）；
// 失败说明应答已在途或已投递，若条目尚在则降级为墓碑，
// 让标识符留在兴趣集中直到迟到的应答被排掉。
func (c *Conn) retirePending(id wire.MessageID) {
	err := c.env.CancelMessage(id)
	c.mu.Lock()
	if c.pending != nil {
		if err == nil {
			delete(c.pending, id)
		} else if _, ok := c.pending[id]; ok {
			c.pending[id] = pendingEntry{}
		}
	}
	c.mu.Unlock()
	c.kickReactor()
}

// kickReactor 通知接收循环兴趣集已变更。
func (c *Conn) kickReactor() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// pendingCount 返回未决响应表的条目数，供测试观察清理效果。
func (c *Conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// grownSize 返回至少能容纳 need 的扩容尺寸。
func grownSize(cur, need int) int {
	for cur < need {
		cur *= 2
	}
	return cur
}
