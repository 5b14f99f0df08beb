package kernel

import (
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"interbus/journal"
	"interbus/wire"
)

func reopenJournal(dir string) (*journal.Journal, error) {
	return journal.Open(filepath.Join(dir, "kernel.journal"))
}

func recvOne(t *testing.T, p *Proc, interest []uint64) wire.Message {
	t.Helper()
	buf := make([]byte, 512)
	n, err := p.NextMessage(interest, buf, false)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n == 0 || n > len(buf) {
		t.Fatalf("unexpected n: %d", n)
	}
	m, err := wire.DecodeMessage(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestRegisterFirstWins(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("log")

	if err := a.RegisterInterface(iface); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := b.RegisterInterface(iface); !errors.Is(err, wire.ErrAlreadyRegistered) {
		t.Fatalf("second register: %v", err)
	}
	if err := a.RegisterInterface(iface); !errors.Is(err, wire.ErrAlreadyRegistered) {
		t.Fatalf("re-register by owner: %v", err)
	}
	// 注册者释放后接口仍被占用
	a.Release()
	if err := b.RegisterInterface(iface); !errors.Is(err, wire.ErrAlreadyRegistered) {
		t.Fatalf("register after owner release: %v", err)
	}
}

func TestEmitBadInterfaceNoSideEffects(t *testing.T) {
	k := New()
	defer k.Close()
	p := k.Spawn()

	_, err := p.EmitMessage(wire.NewInterfaceID("nobody"), []byte("x"), true)
	if !errors.Is(err, wire.ErrBadInterface) {
		t.Fatalf("expected bad interface: %v", err)
	}
	if n := k.PendingAnswers(); n != 0 {
		t.Fatalf("id allocated on failed emit: %d", n)
	}
	// 调用方凭空构造的标识符必须不活跃
	if err := p.CancelMessage(wire.FirstMessageID); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("cancel synthesized id: %v", err)
	}
}

func TestEmitFireAndForget(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("logsink")
	if err := a.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := b.EmitMessage(iface, []byte("line"), false)
	if err != nil || id != 0 {
		t.Fatalf("fire and forget: id=%d err=%v", id, err)
	}
	m := recvOne(t, a, []uint64{wire.AnyInterfaceMessage})
	if m.Kind != wire.KindInterface || m.MessageID != 0 || m.EmitterPID != b.PID() {
		t.Fatalf("delivery: %+v", m)
	}
	if err := a.EmitAnswer(0, []byte("no")); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("answering id 0: %v", err)
	}
}

func TestEmitAnswerRoundTrip(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("adder")
	if err := a.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := b.EmitMessage(iface, []byte("2+2"), true)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if id < wire.FirstMessageID {
		t.Fatalf("id below first: %d", id)
	}

	m := recvOne(t, a, []uint64{wire.AnyInterfaceMessage})
	if m.Interface != iface || m.MessageID != id || m.EmitterPID != b.PID() || string(m.Payload) != "2+2" {
		t.Fatalf("interface message: %+v", m)
	}

	if err := a.EmitAnswer(m.MessageID, []byte("4")); err != nil {
		t.Fatalf("answer: %v", err)
	}
	r := recvOne(t, b, []uint64{uint64(id)})
	if r.Kind != wire.KindResponse || r.MessageID != id || string(r.Payload) != "4" {
		t.Fatalf("response: %+v", r)
	}

	// 每个标识符至多应答一次
	if err := a.EmitAnswer(m.MessageID, []byte("again")); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("second answer: %v", err)
	}
	if k.PendingAnswers() != 0 {
		t.Fatalf("entry leaked: %d", k.PendingAnswers())
	}
}

func TestAnswerOnlyByOwner(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	c := k.Spawn()
	iface := wire.NewInterfaceID("guarded")
	_ = a.RegisterInterface(iface)

	id, err := b.EmitMessage(iface, nil, true)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := c.EmitAnswer(id, []byte("spoof")); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("answer by stranger: %v", err)
	}
	if err := a.EmitAnswer(id, []byte("real")); err != nil {
		t.Fatalf("answer by owner: %v", err)
	}
}

func TestCancelBeforeAnswer(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("slow")
	_ = a.RegisterInterface(iface)

	id, err := b.EmitMessage(iface, nil, true)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	// 只有发射者可以取消
	if err := a.CancelMessage(id); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("cancel by non-emitter: %v", err)
	}
	if err := b.CancelMessage(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 取消后的应答在路由器处失败
	if err := a.EmitAnswer(id, []byte("late")); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("answer after cancel: %v", err)
	}
	// 重复取消同样失败
	if err := b.CancelMessage(id); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("double cancel: %v", err)
	}
}

func TestEmitterReleaseRetiresIDs(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("owned")
	_ = a.RegisterInterface(iface)

	id, _ := b.EmitMessage(iface, nil, true)
	b.Release()
	if k.PendingAnswers() != 0 {
		t.Fatalf("release left entries: %d", k.PendingAnswers())
	}
	if err := a.EmitAnswer(id, []byte("x")); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("answer after emitter release: %v", err)
	}
	if _, err := b.EmitMessage(iface, nil, false); !errors.Is(err, ErrProcReleased) {
		t.Fatalf("emit after release: %v", err)
	}
}

func TestRouteToReleasedOwner(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("gone")
	_ = a.RegisterInterface(iface)
	a.Release()

	if _, err := b.EmitMessage(iface, nil, true); !errors.Is(err, wire.ErrBadInterface) {
		t.Fatalf("emit to released owner: %v", err)
	}
	if k.PendingAnswers() != 0 {
		t.Fatalf("entry leaked: %d", k.PendingAnswers())
	}
}

func TestMessageIDsNotReused(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("seq")
	_ = a.RegisterInterface(iface)

	seen := make(map[wire.MessageID]bool)
	for i := 0; i < 100; i++ {
		id, err := b.EmitMessage(iface, nil, true)
		if err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("id reused: %d", id)
		}
		seen[id] = true
		if err := b.CancelMessage(id); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}
}

func TestBlockingReceive(t *testing.T) {
	k := New()
	defer k.Close()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("blocky")
	_ = a.RegisterInterface(iface)

	got := make(chan wire.Message, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := a.NextMessage([]uint64{wire.AnyInterfaceMessage}, buf, true)
		if err != nil {
			return
		}
		m, _ := wire.DecodeMessage(buf[:n])
		got <- m
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := b.EmitMessage(iface, []byte("wake"), false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case m := <-got:
		if string(m.Payload) != "wake" {
			t.Fatalf("payload: %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("receive did not wake")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	k := New()
	defer k.Close()
	k.metrics = NewMetrics()
	k.metrics.MarkStart()
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("metered")
	_ = a.RegisterInterface(iface)

	id, _ := b.EmitMessage(iface, []byte("x"), true)
	m := recvOne(t, a, []uint64{wire.AnyInterfaceMessage})
	_ = a.EmitAnswer(m.MessageID, []byte("y"))
	_ = recvOne(t, b, []uint64{uint64(id)})
	_, _ = b.EmitMessage(wire.NewInterfaceID("void"), nil, false)

	rec := httptest.NewRecorder()
	k.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"interbus_messages_routed_total 1",
		"interbus_answers_total 1",
		"interbus_bad_interface_total 1",
		"interbus_answer_latency_seconds_count 1",
		"interbus_pending_answers 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(1000, 2)
	if !tb.Allow(1) || !tb.Allow(1) {
		t.Fatalf("burst should allow")
	}
	if tb.Allow(1) {
		t.Fatalf("bucket should be empty")
	}
	time.Sleep(5 * time.Millisecond)
	if !tb.Allow(1) {
		t.Fatalf("refill expected")
	}
	if !NewTokenBucket(0, 0).Allow(100) {
		t.Fatalf("unlimited bucket should allow")
	}
	done := make(chan struct{})
	go func() { tb.Wait(1); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("wait stuck")
	}
}

func TestRateLimitSmoothsBurst(t *testing.T) {
	k := New()
	defer k.Close()
	k.EnableRateLimit(100, 1)
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("paced")
	_ = a.RegisterInterface(iface)

	// 突发额度 1：首条立即放行，其余各等一个 10ms 的令牌。
	// 限流让发射者等待而不是拒绝，每条发射都必须成功。
	start := time.Now()
	const n = 4
	for i := 0; i < n; i++ {
		if _, err := b.EmitMessage(iface, nil, false); err != nil {
			t.Fatalf("emit %d under rate limit: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("burst not smoothed: %v", elapsed)
	}
	for i := 0; i < n; i++ {
		m := recvOne(t, a, []uint64{wire.AnyInterfaceMessage})
		if m.Kind != wire.KindInterface {
			t.Fatalf("delivery %d: %+v", i, m)
		}
	}
}

func TestJournalRecordsDeliveries(t *testing.T) {
	k := New()
	dir := t.TempDir()
	if err := k.EnableJournal(dir); err != nil {
		t.Fatalf("enable journal: %v", err)
	}
	a := k.Spawn()
	b := k.Spawn()
	iface := wire.NewInterfaceID("audited")
	_ = a.RegisterInterface(iface)

	id, _ := b.EmitMessage(iface, []byte("req"), true)
	m := recvOne(t, a, []uint64{wire.AnyInterfaceMessage})
	_ = a.EmitAnswer(m.MessageID, []byte("resp"))
	k.Close()

	j, err := reopenJournal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	recs, err := j.Replay()
	if err != nil || len(recs) != 2 {
		t.Fatalf("replay: %v %d", err, len(recs))
	}
	first, _ := wire.DecodeMessage(recs[0])
	second, _ := wire.DecodeMessage(recs[1])
	if first.Kind != wire.KindInterface || string(first.Payload) != "req" {
		t.Fatalf("first record: %+v", first)
	}
	if second.Kind != wire.KindResponse || second.MessageID != id || string(second.Payload) != "resp" {
		t.Fatalf("second record: %+v", second)
	}
}
