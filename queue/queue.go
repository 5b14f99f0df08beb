package queue

import (
	"errors"
	"fmt"
	"sync"

	"interbus/wire"
)

var (
	// ErrClosed 当向已关闭的队列推送消息，或在已关闭且无匹配消息的
	// 队列上接收时返回此错误。队列关闭是终止性的，
	// 因此包装 wire.ErrEnvClosed。
	ErrClosed = fmt.Errorf("queue closed: %w", wire.ErrEnvClosed)
	// ErrFull 当队列达到容量上限且策略为 OverflowReject 时返回。
	ErrFull = errors.New("queue full")
)

// OverflowPolicy 定义队列达到容量上限时的行为。
// 队列永远不会阻塞推送方：投递发生在发射者的调用路径上，
// 让发射者等待接收者的积压会倒置整个投递模型。
type OverflowPolicy uint8

const (
	// OverflowReject 拒绝策略：达到容量后推送返回 ErrFull。
	OverflowReject OverflowPolicy = iota
	// OverflowDropNewest 丢弃策略：达到容量后静默丢弃新消息。
	// 适用于允许丢失的诊断类投递。
	OverflowDropNewest
)

// Options 配置队列的容量与溢出策略。
type Options struct {
	// Capacity 容量上限，0 表示无界（默认）
	Capacity uint64
	// Policy 溢出策略，仅在 Capacity > 0 时生效
	Policy OverflowPolicy
}

// Queue 是进程的投递队列，实现多路复用接收原语的全部语义：
//   - 兴趣匹配：接口消息由哨兵匹配，响应消息由消息标识符匹配
//   - 匹配者按到达顺序投递（FIFO）
//   - 不匹配的消息被跳过但保留在队，等待更宽的兴趣集
//   - 目标缓冲区不足时返回所需字节数，不消费消息
//   - 命中的兴趣槽位在投递后被清零
type Queue struct {
	// mu 保护 ring
	mu sync.Mutex
	// ring 按到达顺序保存的消息
	ring *Ring[wire.Message]
	// opts 容量配置
	opts Options
	// closed 关闭信号通道
	closed chan struct{}
	// notify 新消息通知通道
	notify chan struct{}
}

// New 创建一个新的投递队列。
func New(opts Options) *Queue {
	initial := opts.Capacity
	if initial == 0 || initial > 256 {
		initial = 256
	}
	return &Queue{
		ring:   NewRing[wire.Message](initial),
		opts:   opts,
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push 将消息入队并唤醒等待者。
// 队列已关闭时返回 ErrClosed；达到容量上限时按策略处理。
func (q *Queue) Push(m wire.Message) error {
	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return ErrClosed
	default:
	}
	if q.opts.Capacity > 0 && uint64(q.ring.Len()) >= q.opts.Capacity {
		q.mu.Unlock()
		if q.opts.Policy == OverflowDropNewest {
			return nil
		}
		return ErrFull
	}
	q.ring.PushBack(m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next 返回第一条匹配兴趣集的消息。
//
// 返回值语义：
//   - 0, nil：没有匹配的消息（仅当 block 为 false）
//   - n <= len(out)：n 字节的消息已写入 out 并被消费，
//     命中的兴趣槽位被清零
//   - n > len(out)：有 n 字节的消息可用但未写入未消费，
//     调用方应以更大的缓冲区重试；消息仍在匹配子序列的头部
//
// block 为 true 时调用会阻塞直到有匹配消息或队列关闭。
// 调用期间 interest 和 out 不得被其他代码修改（单飞约束）。
func (q *Queue) Next(interest []uint64, out []byte, block bool) (int, error) {
	for {
		q.mu.Lock()
		for i := 0; i < q.ring.Len(); i++ {
			m := q.ring.At(i)
			slot := wire.MatchInterest(interest, m)
			if slot < 0 {
				continue
			}
			size := m.EncodedSize()
			if size > len(out) {
				q.mu.Unlock()
				return size, nil
			}
			m.EncodeTo(out)
			q.ring.RemoveAt(i)
			q.mu.Unlock()
			interest[slot] = 0
			return size, nil
		}
		closed := q.isClosed()
		q.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}
		if !block {
			return 0, nil
		}
		select {
		case <-q.notify:
		case <-q.closed:
			// 下一轮扫描仍可投递已入队的匹配消息
		}
	}
}

// HasMatch 报告队列中是否存在匹配兴趣集的消息。不消费任何消息。
func (q *Queue) HasMatch(interest []uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.ring.Len(); i++ {
		if wire.MatchInterest(interest, q.ring.At(i)) >= 0 {
			return true
		}
	}
	return false
}

// Len 返回队列中消息的数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

// Ready 返回新消息通知通道。通道收到信号表示可能有新消息，
// 接收方应重新扫描；关闭队列也会发出一次信号。
func (q *Queue) Ready() <-chan struct{} { return q.notify }

// Closed 返回一个通道，队列关闭时该通道被关闭。
func (q *Queue) Closed() <-chan struct{} { return q.closed }

// Close 关闭队列并唤醒等待者。可以安全地多次调用。
// 关闭后的队列仍可继续投递已入队的匹配消息，但不再接受推送。
func (q *Queue) Close() {
	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return
	default:
	}
	close(q.closed)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
