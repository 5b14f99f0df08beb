package kernel

import (
	"sync/atomic"
	"time"
)

// TokenBucket 平滑内核的发射速率：令牌以固定速率补充进桶，
// 路由每放行一条消息消耗一个，桶空时发射者等待令牌而不是被
// 拒绝，发射语义因此保持不变。burst 是桶容量，决定允许的突发
// 额度；速率在创建时固定。补充用 CAS 完成，路由热路径上没有锁。
type TokenBucket struct {
	// rate 每秒补充的令牌数，不大于 0 表示不限速
	rate int64
	// burst 桶容量
	burst int64
	// tokens 桶中剩余令牌
	tokens atomic.Int64
	// lastNS 上次补充的时间戳（纳秒）
	lastNS atomic.Int64
}

// NewTokenBucket 创建限流器。burst 不大于 0 时取 qps（至少 1）。
func NewTokenBucket(qps int64, burst int64) *TokenBucket {
	if burst <= 0 {
		burst = qps
		if burst <= 0 {
			burst = 1
		}
	}
	tb := &TokenBucket{rate: qps, burst: burst}
	tb.tokens.Store(burst)
	tb.lastNS.Store(time.Now().UnixNano())
	return tb
}

// Allow 尝试消耗 n 个令牌，不足时立即返回 false，不阻塞。
func (tb *TokenBucket) Allow(n int64) bool {
	if n <= 0 || tb.rate <= 0 {
		return true
	}
	tb.refill(time.Now().UnixNano())
	for {
		cur := tb.tokens.Load()
		if cur < n {
			return false
		}
		if tb.tokens.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

// Wait 阻塞直到消耗掉 n 个令牌。
func (tb *TokenBucket) Wait(n int64) {
	for !tb.Allow(n) {
		time.Sleep(200 * time.Microsecond)
	}
}

// refill 按经过的时间补充令牌，上限为桶容量。
// lastNS 的 CAS 保证同一段流逝的时间只被一个补充者记账。
func (tb *TokenBucket) refill(nowNS int64) {
	last := tb.lastNS.Load()
	add := (nowNS - last) * tb.rate / int64(time.Second)
	if add <= 0 {
		return
	}
	if !tb.lastNS.CompareAndSwap(last, nowNS) {
		return
	}
	for {
		cur := tb.tokens.Load()
		next := cur + add
		if next > tb.burst {
			next = tb.burst
		}
		if tb.tokens.CompareAndSwap(cur, next) {
			return
		}
	}
}
