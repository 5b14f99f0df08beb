package testkit

import (
	"testing"
	"time"
)

// Probe 是测试探针，用于在测试中收集和验证总线投递。
// 消费者处理函数把收到的投递转交给探针，测试再用 Expect 系列
// 方法按到达顺序验证。
type Probe struct {
	// t 测试上下文，用于报告失败
	t testing.TB
	// ch 收集投递的通道
	ch chan any
	// fail 失败处理函数
	fail func(string, ...any)
}

// NewProbe 创建一个新的测试探针。
// t 为测试上下文，buffer 为通道缓冲区大小（默认 1024）。
func NewProbe(t testing.TB, buffer int) *Probe {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &Probe{t: t, ch: make(chan any, buffer)}
	p.fail = t.Fatalf
	return p
}

// Chan 返回投递收集通道。
// 可以直接用于 select 语句或与其他通道操作。
func (p *Probe) Chan() <-chan any { return p.ch }

// Put 向探针转交一条投递。
// 通常在消费者处理函数中调用。
func (p *Probe) Put(v any) { p.ch <- v }

// Expect 等待并返回一条投递。
// 如果在超时时间内没有收到，测试会失败。
// 默认超时为 1 秒。
func (p *Probe) Expect(timeout time.Duration) any {
	p.t.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case v := <-p.ch:
		return v
	case <-time.After(timeout):
		p.fail("timeout waiting delivery")
		return nil
	}
}

// ExpectFunc 等待一条使 match 返回 true 的投递并返回它。
// 收到不匹配的投递会使测试失败。
func (p *Probe) ExpectFunc(timeout time.Duration, match func(any) bool) any {
	p.t.Helper()
	v := p.Expect(timeout)
	if v != nil && !match(v) {
		p.fail("delivery does not match: %#v", v)
		return nil
	}
	return v
}

// ExpectNoMessage 验证在指定时间内没有收到投递。
// 如果收到投递，测试会失败。
// 默认超时为 50 毫秒。
func (p *Probe) ExpectNoMessage(timeout time.Duration) {
	p.t.Helper()
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	select {
	case v := <-p.ch:
		p.fail("unexpected delivery: %#v", v)
	case <-time.After(timeout):
	}
}
