package testkit

import (
	"math/rand"
	"time"
)

// Chaos 模拟投递路径上的故障：按概率丢弃消息或在入队前加入随机
// 延迟。配合 ScriptEnv 可以检验关联器在应答乱序、迟到和丢失时
// 的行为。
type Chaos struct {
	// DropProbability 消息被丢弃的概率（0.0-1.0）
	DropProbability float64
	// MaxDelay 入队前的最大随机延迟
	MaxDelay time.Duration
	// Rand 随机数生成器（可选，默认使用时间种子）
	Rand *rand.Rand
}

// Apply 应用混沌效果到给定的投递动作。
// 根据配置的概率和延迟，可能：
//   - 丢弃消息（返回 false）
//   - 添加随机延迟后入队（返回 true）
//   - 直接入队（返回 true）
//
// 返回值表示消息是否实际入队。
func (c Chaos) Apply(fn func()) bool {
	r := c.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.DropProbability > 0 && r.Float64() < c.DropProbability {
		return false
	}
	if c.MaxDelay > 0 {
		time.Sleep(time.Duration(r.Int63n(int64(c.MaxDelay))))
	}
	fn()
	return true
}
