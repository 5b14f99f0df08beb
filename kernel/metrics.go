package kernel

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

// Metrics 收集和暴露内核的运行时指标。
// 指标包括路由/应答/取消计数、应答延迟分布和队列积压等。
// 所有指标都使用原子操作，支持并发访问且无锁竞争。
// 指标格式兼容 Prometheus，可通过 /metrics 端点暴露。
type Metrics struct {
	// startedAtUnix 内核启动时间的 Unix 时间戳
	startedAtUnix atomic.Int64
	// routed 路由成功的接口消息总数
	routed atomic.Uint64
	// answered 应答总数
	answered atomic.Uint64
	// cancelled 取消成功总数
	cancelled atomic.Uint64
	// badInterface 因无注册者而失败的发射总数
	badInterface atomic.Uint64

	// latBuckets 应答延迟直方图的桶边界
	latBuckets []time.Duration
	// latCounts 每个延迟桶的计数
	latCounts []atomic.Uint64
	// latSumNS 延迟总和（纳秒）
	latSumNS atomic.Uint64
}

// NewMetrics 创建一个新的指标收集器，使用预定义的延迟桶边界。
// 延迟桶覆盖从 10 微秒到 100 毫秒的范围，适合进程间通信场景。
func NewMetrics() *Metrics {
	b := []time.Duration{
		10 * time.Microsecond,
		50 * time.Microsecond,
		100 * time.Microsecond,
		500 * time.Microsecond,
		1 * time.Millisecond,
		2 * time.Millisecond,
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
	}
	return &Metrics{
		latBuckets: b,
		latCounts:  make([]atomic.Uint64, len(b)+1),
	}
}

// MarkStart 记录内核启动时间。仅首次调用生效。
func (m *Metrics) MarkStart() {
	if m.startedAtUnix.Load() == 0 {
		m.startedAtUnix.Store(time.Now().Unix())
	}
}

// IncRouted 增加路由成功计数。
func (m *Metrics) IncRouted() { m.routed.Add(1) }

// IncAnswered 增加应答计数。
func (m *Metrics) IncAnswered() { m.answered.Add(1) }

// IncCancelled 增加取消计数。
func (m *Metrics) IncCancelled() { m.cancelled.Add(1) }

// IncBadInterface 增加无注册者失败计数。
func (m *Metrics) IncBadInterface() { m.badInterface.Add(1) }

// ObserveLatency 记录一次路由到应答的延迟观测值。
func (m *Metrics) ObserveLatency(d time.Duration) {
	if d < 0 {
		return
	}
	m.latSumNS.Add(uint64(d.Nanoseconds()))
	i := sort.Search(len(m.latBuckets), func(i int) bool { return d <= m.latBuckets[i] })
	m.latCounts[i].Add(1)
}

// EnableMetrics 启用指标收集和 HTTP 暴露端点。
// 指标将在指定地址（默认 :9090）的 /metrics 路径下以 Prometheus
// 格式暴露。此方法应在内核创建后、进程生成前调用。
func (k *Kernel) EnableMetrics(addr string) error {
	if addr == "" {
		addr = ":9090"
	}
	if k.metrics == nil {
		k.metrics = NewMetrics()
	}
	k.metrics.MarkStart()
	mux := http.NewServeMux()
	mux.Handle("/metrics", k.MetricsHandler())
	go func() { _ = http.ListenAndServe(addr, mux) }()
	return nil
}

// MetricsHandler 返回以 Prometheus 文本格式暴露指标的处理器。
// 供需要把指标挂到既有 HTTP 服务上的调用方使用。
func (k *Kernel) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { k.writeMetrics(w) })
}

// writeMetrics 将指标以 Prometheus 文本格式写入 HTTP 响应。
// 包含消息计数、应答表大小、队列积压、延迟直方图和运行时间。
func (k *Kernel) writeMetrics(w http.ResponseWriter) {
	if k.metrics == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	now := time.Now()

	_, _ = fmt.Fprintln(w, "# TYPE interbus_messages_routed_total counter")
	_, _ = fmt.Fprintln(w, "interbus_messages_routed_total", k.metrics.routed.Load())
	_, _ = fmt.Fprintln(w, "# TYPE interbus_answers_total counter")
	_, _ = fmt.Fprintln(w, "interbus_answers_total", k.metrics.answered.Load())
	_, _ = fmt.Fprintln(w, "# TYPE interbus_cancels_total counter")
	_, _ = fmt.Fprintln(w, "interbus_cancels_total", k.metrics.cancelled.Load())
	_, _ = fmt.Fprintln(w, "# TYPE interbus_bad_interface_total counter")
	_, _ = fmt.Fprintln(w, "interbus_bad_interface_total", k.metrics.badInterface.Load())
	_, _ = fmt.Fprintln(w, "# TYPE interbus_pending_answers gauge")
	_, _ = fmt.Fprintln(w, "interbus_pending_answers", k.PendingAnswers())
	_, _ = fmt.Fprintln(w, "# TYPE interbus_backlog_messages gauge")
	_, _ = fmt.Fprintln(w, "interbus_backlog_messages", k.backlog())

	_, _ = fmt.Fprintln(w, "# TYPE interbus_answer_latency_seconds histogram")
	var cum uint64
	for i, b := range k.metrics.latBuckets {
		cum += k.metrics.latCounts[i].Load()
		_, _ = fmt.Fprintln(w, "interbus_answer_latency_seconds_bucket{le=\""+strconv.FormatFloat(b.Seconds(), 'f', -1, 64)+"\"}", cum)
	}
	cum += k.metrics.latCounts[len(k.metrics.latBuckets)].Load()
	_, _ = fmt.Fprintln(w, "interbus_answer_latency_seconds_bucket{le=\"+Inf\"}", cum)
	_, _ = fmt.Fprintln(w, "interbus_answer_latency_seconds_sum", float64(k.metrics.latSumNS.Load())/1e9)
	_, _ = fmt.Fprintln(w, "interbus_answer_latency_seconds_count", cum)

	_, _ = fmt.Fprintln(w, "# TYPE interbus_uptime_seconds gauge")
	started := k.metrics.startedAtUnix.Load()
	if started == 0 {
		started = now.Unix()
	}
	_, _ = fmt.Fprintln(w, "interbus_uptime_seconds", now.Sub(time.Unix(started, 0)).Seconds())
}
