package remote

import (
	"sync/atomic"
	"time"
)

// breakerState 定义熔断器的三种状态。
type breakerState uint32

const (
	// breakerClosed 关闭状态：桥接调用正常通过
	breakerClosed breakerState = iota
	// breakerOpen 打开状态：调用被拒绝，等待超时后进入半开状态
	breakerOpen
	// breakerHalfOpen 半开状态：允许一个探测调用通过，成功则关闭，失败则重新打开
	breakerHalfOpen
)

// CircuitBreaker 是基于失败计数的熔断器，保护到远端内核的桥接
// 链路。只有传输层失败计入熔断；契约内的失败（坏接口、重复注册、
// 无效标识符）是正常业务结果，不触发熔断。
//
// 状态转换：
//   - closed -> open: 连续失败次数达到阈值
//   - open -> half-open: 打开持续时间超过 openFor
//   - half-open -> closed: 探测调用成功
//   - half-open -> open: 探测调用失败
type CircuitBreaker struct {
	// failures 连续失败计数
	failures atomic.Uint64
	// state 当前状态
	state atomic.Uint32
	// openedAtUnix 熔断器打开的时间（纳秒）
	openedAtUnix atomic.Int64
	// halfOpenProbe 半开状态下是否已有探测调用
	halfOpenProbe atomic.Bool

	// threshold 触发打开的失败次数阈值
	threshold uint64
	// openFor 打开状态的持续时间
	openFor time.Duration
}

// NewCircuitBreaker 创建一个新的熔断器。
// 当 threshold 或 openFor 为零时，使用默认值（threshold=5, openFor=5s）。
func NewCircuitBreaker(threshold uint64, openFor time.Duration) *CircuitBreaker {
	if threshold == 0 {
		threshold = 5
	}
	if openFor == 0 {
		openFor = 5 * time.Second
	}
	cb := &CircuitBreaker{threshold: threshold, openFor: openFor}
	cb.state.Store(uint32(breakerClosed))
	return cb
}

// Allow 检查在给定时间是否允许调用通过。
// 在关闭状态下总是允许；在打开状态下拒绝直到超时；
// 在半开状态下只允许一个探测调用。
func (b *CircuitBreaker) Allow(now time.Time) bool {
	st := breakerState(b.state.Load())
	switch st {
	case breakerClosed:
		return true
	case breakerOpen:
		opened := time.Unix(0, b.openedAtUnix.Load())
		if now.Sub(opened) >= b.openFor {
			if b.state.CompareAndSwap(uint32(breakerOpen), uint32(breakerHalfOpen)) {
				b.halfOpenProbe.Store(false)
			}
			st = breakerHalfOpen
		} else {
			return false
		}
		fallthrough
	case breakerHalfOpen:
		return b.halfOpenProbe.CompareAndSwap(false, true)
	default:
		return false
	}
}

// OnSuccess 记录一次成功，将熔断器重置为关闭状态。
func (b *CircuitBreaker) OnSuccess() {
	b.failures.Store(0)
	b.state.Store(uint32(breakerClosed))
	b.halfOpenProbe.Store(false)
}

// OnFailure 记录一次失败，可能导致熔断器打开。
// 在半开状态下失败会立即重新打开熔断器。
func (b *CircuitBreaker) OnFailure(now time.Time) {
	if breakerState(b.state.Load()) == breakerHalfOpen {
		b.open(now)
		return
	}
	if b.failures.Add(1) >= b.threshold {
		b.open(now)
	}
}

// open 将熔断器切换到打开状态。
func (b *CircuitBreaker) open(now time.Time) {
	b.openedAtUnix.Store(now.UnixNano())
	b.state.Store(uint32(breakerOpen))
	b.halfOpenProbe.Store(false)
}
