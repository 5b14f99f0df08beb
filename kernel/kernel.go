package kernel

import (
	"errors"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"interbus/journal"
	"interbus/queue"
	"interbus/wire"
)

// ErrProcReleased 当通过已释放的进程句柄调用环境操作时返回此错误。
var ErrProcReleased = errors.New("process released")

// answerEntry 是应答表的一个条目，对应一个活跃的消息标识符。
type answerEntry struct {
	// emitter 发射请求并等待响应的进程
	emitter *Proc
	// owner 接口的注册者，唯一有权应答此标识符的进程
	owner wire.PID
	// routedAt 路由时刻，用于应答延迟直方图
	routedAt time.Time
}

// Kernel 是参考环境：接口注册表、路由器和应答表的内核侧实现。
// 它提供以下核心功能：
//   - 接口注册表（先注册者胜，对整个内核生命周期有效）
//   - 路由：把接口消息投递给注册者，为期待应答的请求分配消息标识符
//   - 应答表：把活跃的消息标识符映射回原始发射者
//   - 可选的指标收集、发射限流和投递日志
//
// 一个应用程序通常只需要一个 Kernel 实例；进程通过 Spawn 获得
// 环境句柄。
type Kernel struct {
	// mu 保护 ifaces 和 procs 的并发访问
	mu sync.RWMutex
	// ifaces 接口标识符到注册者进程的映射。
	// 条目在整个内核生命周期内不被移除：注册者释放后接口仍被
	// 占用（重新注册依旧失败），路由则因队列关闭而失败。
	ifaces map[wire.InterfaceID]*Proc
	// procs 当前存活的进程，按 PID 索引
	procs map[wire.PID]*Proc

	// ansMu 保护 answers 的并发访问
	ansMu sync.Mutex
	// answers 活跃消息标识符到应答表条目的映射
	answers map[wire.MessageID]answerEntry

	// nextPID 进程标识符分配器
	nextPID atomic.Uint64
	// nextMsgID 消息标识符分配器，内核生命周期内单调递增不复用
	nextMsgID atomic.Uint64

	// queueOpts 生成进程时使用的队列配置
	queueOpts queue.Options

	// metrics 指标收集器，EnableMetrics 后非 nil
	metrics *Metrics
	// limiter 发射限流器，EnableRateLimit 后非 nil
	limiter *TokenBucket

	// jmu 保护 journal 的并发访问
	jmu sync.Mutex
	// journal 投递日志，EnableJournal 后非 nil
	journal *journal.Journal
}

// New 创建一个新的内核。
func New() *Kernel {
	k := &Kernel{
		ifaces:  make(map[wire.InterfaceID]*Proc),
		procs:   make(map[wire.PID]*Proc),
		answers: make(map[wire.MessageID]answerEntry),
	}
	// 第一个分配的消息标识符是 FirstMessageID，
	// 0（即发即忘）和 1（哨兵）永远不是合法的标识符
	k.nextMsgID.Store(uint64(wire.FirstMessageID) - 1)
	return k
}

// SetQueueOptions 设置后续 Spawn 的进程投递队列配置。
// 默认无界队列。
func (k *Kernel) SetQueueOptions(opts queue.Options) {
	k.mu.Lock()
	k.queueOpts = opts
	k.mu.Unlock()
}

// EnableRateLimit 启用令牌桶限流器，平滑发射速率。
// 限流不拒绝发射，而是让发射者等待令牌，发射语义保持不变。
// qps 为每秒允许的发射数，burst 为突发容量。
func (k *Kernel) EnableRateLimit(qps int64, burst int64) {
	k.limiter = NewTokenBucket(qps, burst)
}

// EnableJournal 在指定目录下启用投递日志。
// 每条被路由的接口消息和每条应答在投递前都会追加到日志。
func (k *Kernel) EnableJournal(dir string) error {
	j, err := journal.Open(filepath.Join(dir, "kernel.journal"))
	if err != nil {
		return err
	}
	k.jmu.Lock()
	old := k.journal
	k.journal = j
	k.jmu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Spawn 生成一个新进程：分配 PID，创建投递队列，返回环境句柄。
func (k *Kernel) Spawn() *Proc {
	k.mu.Lock()
	p := &Proc{
		k:   k,
		pid: wire.PID(k.nextPID.Add(1)),
		q:   queue.New(k.queueOpts),
	}
	k.procs[p.pid] = p
	k.mu.Unlock()
	return p
}

// Close 关闭内核：释放所有进程并关闭日志。
func (k *Kernel) Close() {
	k.mu.RLock()
	procs := make([]*Proc, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.RUnlock()
	for _, p := range procs {
		p.Release()
	}
	k.jmu.Lock()
	j := k.journal
	k.journal = nil
	k.jmu.Unlock()
	if j != nil {
		_ = j.Close()
	}
}

// registerInterface 将接口绑定到进程。先注册者胜：
// 同一标识符的第二次注册（来自任何进程）失败且不影响既有绑定。
func (k *Kernel) registerInterface(p *Proc, id wire.InterfaceID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.ifaces[id]; ok {
		return wire.ErrAlreadyRegistered
	}
	k.ifaces[id] = p
	return nil
}

// route 把消息路由给接口的注册者。
//
// 没有注册者时返回 ErrBadInterface 且无任何副作用：不分配消息
// 标识符，不产生队列条目。needsAnswer 为 true 时分配一个新的
// 消息标识符并登记应答表条目，随后条目必须被应答、取消或随
// 发射者释放而撤销。
func (k *Kernel) route(from *Proc, iface wire.InterfaceID, payload []byte, needsAnswer bool) (wire.MessageID, error) {
	k.mu.RLock()
	owner := k.ifaces[iface]
	k.mu.RUnlock()
	if owner == nil {
		if k.metrics != nil {
			k.metrics.IncBadInterface()
		}
		return 0, wire.ErrBadInterface
	}
	if k.limiter != nil {
		k.limiter.Wait(1)
	}

	var id wire.MessageID
	if needsAnswer {
		id = wire.MessageID(k.nextMsgID.Add(1))
		k.ansMu.Lock()
		k.answers[id] = answerEntry{emitter: from, owner: owner.pid, routedAt: time.Now()}
		k.ansMu.Unlock()
	}
	m := wire.NewInterfaceMessage(iface, id, from.pid, cloneBytes(payload))
	if err := owner.q.Push(m); err != nil {
		// 注册者已释放：撤销刚分配的标识符，对发射者表现为无注册者
		if needsAnswer {
			k.ansMu.Lock()
			delete(k.answers, id)
			k.ansMu.Unlock()
		}
		if k.metrics != nil {
			k.metrics.IncBadInterface()
		}
		return 0, wire.ErrBadInterface
	}
	k.journalAppend(&m)
	if k.metrics != nil {
		k.metrics.IncRouted()
	}
	return id, nil
}

// answer 应答一个活跃的消息标识符，把响应投递给原始发射者。
// 标识符不活跃（从未分配、已应答、已取消）或调用者不是接口的
// 注册者时返回 ErrInvalidMessageID。条目被消费保证每个标识符
// 至多投递一次响应。
func (k *Kernel) answer(from *Proc, id wire.MessageID, payload []byte) error {
	if id == 0 {
		return wire.ErrInvalidMessageID
	}
	k.ansMu.Lock()
	e, ok := k.answers[id]
	if ok && e.owner == from.pid {
		delete(k.answers, id)
	} else {
		ok = false
	}
	k.ansMu.Unlock()
	if !ok {
		return wire.ErrInvalidMessageID
	}
	m := wire.NewResponseMessage(id, cloneBytes(payload))
	if err := e.emitter.q.Push(m); err != nil {
		// 发射者已释放：标识符已随之退役
		return wire.ErrInvalidMessageID
	}
	k.journalAppend(&m)
	if k.metrics != nil {
		k.metrics.IncAnswered()
		k.metrics.ObserveLatency(time.Since(e.routedAt))
	}
	return nil
}

// cancel 取消一个活跃的消息标识符。只有原始发射者可以取消。
// 取消与应答天然存在竞争：应答已经落地时取消失败
// （ErrInvalidMessageID），两种结果对调用方都是合法的。
func (k *Kernel) cancel(from *Proc, id wire.MessageID) error {
	if id == 0 {
		return wire.ErrInvalidMessageID
	}
	k.ansMu.Lock()
	e, ok := k.answers[id]
	if ok && e.emitter == from {
		delete(k.answers, id)
	} else {
		ok = false
	}
	k.ansMu.Unlock()
	if !ok {
		return wire.ErrInvalidMessageID
	}
	if k.metrics != nil {
		k.metrics.IncCancelled()
	}
	return nil
}

// release 将进程从内核中移除并撤销它发射的所有未决条目。
func (k *Kernel) release(p *Proc) {
	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()
	p.q.Close()
	k.ansMu.Lock()
	for id, e := range k.answers {
		if e.emitter == p {
			delete(k.answers, id)
		}
	}
	k.ansMu.Unlock()
}

// journalAppend 把消息追加到投递日志（如果启用）。
func (k *Kernel) journalAppend(m *wire.Message) {
	k.jmu.Lock()
	j := k.journal
	k.jmu.Unlock()
	if j == nil {
		return
	}
	if err := j.Append(m.Encode()); err != nil {
		log.Printf("kernel: journal append failed: %v", err)
	}
}

// PendingAnswers 返回应答表中活跃条目的数量。
func (k *Kernel) PendingAnswers() int {
	k.ansMu.Lock()
	defer k.ansMu.Unlock()
	return len(k.answers)
}

// backlog 返回所有存活进程队列中的消息总数。
func (k *Kernel) backlog() int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var n int64
	for _, p := range k.procs {
		n += int64(p.q.Len())
	}
	return n
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
