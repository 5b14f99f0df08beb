package remote

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"interbus/bus"
	"interbus/kernel"
	"interbus/testkit"
	"interbus/wire"
)

// newBridge 启动内核和桥接服务端，并拨号一个桥接环境。
func newBridge(t *testing.T, opts EnvOptions) (*kernel.Kernel, *Server, *Env) {
	t.Helper()
	k := kernel.New()
	s, err := NewServer(k, "127.0.0.1:0")
	if err != nil {
		k.Close()
		t.Fatalf("start bridge server: %v", err)
	}
	env, err := Dial(s.Addr(), opts)
	if err != nil {
		s.Stop()
		k.Close()
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() {
		_ = env.Close()
		s.Stop()
		k.Close()
	})
	return k, s, env
}

func TestCircuitBreaker(t *testing.T) {
	clk := testkit.NewFakeClock(time.Unix(1000, 0))
	cb := NewCircuitBreaker(2, 50*time.Millisecond)

	if !cb.Allow(clk.Now()) {
		t.Fatalf("closed breaker should allow")
	}
	cb.OnFailure(clk.Now())
	if !cb.Allow(clk.Now()) {
		t.Fatalf("single failure should not open")
	}
	cb.OnFailure(clk.Now())
	if cb.Allow(clk.Now()) {
		t.Fatalf("breaker should open at threshold")
	}

	// 超时后进入半开，只放行一个探测
	clk.Advance(60 * time.Millisecond)
	if !cb.Allow(clk.Now()) {
		t.Fatalf("half-open should allow one probe")
	}
	if cb.Allow(clk.Now()) {
		t.Fatalf("half-open should reject second probe")
	}
	cb.OnSuccess()
	if !cb.Allow(clk.Now()) {
		t.Fatalf("probe success should close breaker")
	}

	// 半开状态下失败立即重开
	cb.OnFailure(clk.Now())
	cb.OnFailure(clk.Now())
	clk.Advance(60 * time.Millisecond)
	if !cb.Allow(clk.Now()) {
		t.Fatalf("should allow probe after reopen")
	}
	cb.OnFailure(clk.Now())
	if cb.Allow(clk.Now()) {
		t.Fatalf("probe failure should reopen breaker")
	}
}

func TestBridgeCall(t *testing.T) {
	k, _, env := newBridge(t, EnvOptions{WaitTimeout: 2 * time.Second})

	iface := wire.NewInterfaceID("bridge.echo")
	serve := bus.NewConn(k.Spawn(), bus.Options{})
	t.Cleanup(func() { _ = serve.Close() })
	err := serve.Register(iface, func(d bus.Delivery) {
		var req string
		if err := d.Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		_ = d.Answer(req + "-pong")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// 客户端经由桥接环境使用同一条总线
	client := bus.NewConn(env, bus.Options{})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := bus.Call[string](ctx, client, iface, "ping")
	if err != nil {
		t.Fatalf("call across bridge: %v", err)
	}
	if got != "ping-pong" {
		t.Fatalf("expect ping-pong, got %q", got)
	}
}

func TestBridgeConsume(t *testing.T) {
	k, _, env := newBridge(t, EnvOptions{WaitTimeout: 2 * time.Second})

	// 消费者在桥接的一侧注册接口
	iface := wire.NewInterfaceID("bridge.triple")
	remoteConn := bus.NewConn(env, bus.Options{})
	t.Cleanup(func() { _ = remoteConn.Close() })
	err := remoteConn.Register(iface, func(d bus.Delivery) {
		var n uint32
		if err := d.Decode(&n); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		_ = d.Answer(n * 3)
	})
	if err != nil {
		t.Fatalf("register across bridge: %v", err)
	}

	local := bus.NewConn(k.Spawn(), bus.Options{})
	t.Cleanup(func() { _ = local.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := bus.Call[uint32](ctx, local, iface, uint32(14))
	if err != nil {
		t.Fatalf("call to bridged consumer: %v", err)
	}
	if got != 42 {
		t.Fatalf("expect 42, got %d", got)
	}
}

func TestBridgeControlErrors(t *testing.T) {
	_, _, env := newBridge(t, EnvOptions{BreakerThreshold: 2})

	iface := wire.NewInterfaceID("bridge.dup")
	if err := env.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.RegisterInterface(iface); !errors.Is(err, wire.ErrAlreadyRegistered) {
		t.Fatalf("expect ErrAlreadyRegistered, got %v", err)
	}
	if _, err := env.EmitMessage(wire.NewInterfaceID("bridge.nobody"), nil, false); !errors.Is(err, wire.ErrBadInterface) {
		t.Fatalf("expect ErrBadInterface, got %v", err)
	}
	if err := env.EmitAnswer(0, nil); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("expect ErrInvalidMessageID for answer, got %v", err)
	}
	if err := env.CancelMessage(404); !errors.Is(err, wire.ErrInvalidMessageID) {
		t.Fatalf("expect ErrInvalidMessageID for cancel, got %v", err)
	}

	// 契约内的失败不计入熔断，链路保持放行
	if _, err := env.EmitMessage(iface, []byte("x"), false); err != nil {
		t.Fatalf("breaker must stay closed after contract errors: %v", err)
	}
}

func TestBridgeSizeHint(t *testing.T) {
	k, _, env := newBridge(t, EnvOptions{})

	iface := wire.NewInterfaceID("bridge.bulk")
	if err := env.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := k.Spawn()
	defer p.Release()
	payload := bytes.Repeat([]byte{0x5a}, 4096)
	if _, err := p.EmitMessage(iface, payload, false); err != nil {
		t.Fatalf("emit: %v", err)
	}

	interest := []uint64{wire.AnyInterfaceMessage}
	small := make([]byte, 16)
	n, err := env.NextMessage(interest, small, true)
	if err != nil {
		t.Fatalf("next with small buffer: %v", err)
	}
	if n <= len(small) {
		t.Fatalf("expect size hint beyond %d, got %d", len(small), n)
	}
	if interest[0] != wire.AnyInterfaceMessage {
		t.Fatalf("hinted receive must not touch interest slots")
	}

	out := make([]byte, n)
	n2, err := env.NextMessage(interest, out, true)
	if err != nil {
		t.Fatalf("next after grow: %v", err)
	}
	if n2 != n {
		t.Fatalf("frame size changed between hints: %d then %d", n, n2)
	}
	m, err := wire.DecodeMessage(out[:n2])
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if m.Kind != wire.KindInterface || m.Interface != iface {
		t.Fatalf("unexpected frame %+v", m)
	}
	if !bytes.Equal(m.Payload, payload) {
		t.Fatalf("payload mismatch, got %d bytes", len(m.Payload))
	}
	if m.EmitterPID != p.PID() {
		t.Fatalf("emitter pid %d, want %d", m.EmitterPID, p.PID())
	}
	if interest[0] != 0 {
		t.Fatalf("consumed receive must clear the matched slot, got %#x", interest[0])
	}
}

func TestBridgeWaitWakes(t *testing.T) {
	k, _, env := newBridge(t, EnvOptions{WaitTimeout: 5 * time.Second})

	iface := wire.NewInterfaceID("bridge.wake")
	if err := env.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := k.Spawn()
	defer p.Release()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = p.EmitMessage(iface, []byte("up"), false)
	}()

	interest := []uint64{wire.AnyInterfaceMessage}
	out := make([]byte, 256)
	start := time.Now()
	n, err := env.NextMessage(interest, out, true)
	if err != nil {
		t.Fatalf("blocking next: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("long poll did not wake on arrival: %v", elapsed)
	}
	m, err := wire.DecodeMessage(out[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(m.Payload) != "up" {
		t.Fatalf("payload %q, want up", m.Payload)
	}
}

func TestBridgeClose(t *testing.T) {
	_, srv, env := newBridge(t, EnvOptions{})

	pid := env.PID()
	if err := env.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
	if err := env.RegisterInterface(wire.NewInterfaceID("bridge.late")); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("expect ErrBridgeClosed, got %v", err)
	}
	if _, err := env.EmitMessage(wire.NewInterfaceID("bridge.late"), nil, false); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("expect ErrBridgeClosed, got %v", err)
	}
	if _, err := env.NextMessage([]uint64{wire.AnyInterfaceMessage}, make([]byte, 8), false); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("expect ErrBridgeClosed, got %v", err)
	}

	// 句柄已随关闭释放，服务端拒绝旧句柄
	resp, err := srv.Register(context.Background(), &registerReq{PID: pid, Interface: wire.NewInterfaceID("bridge.zombie")})
	if err != nil {
		t.Fatalf("direct register: %v", err)
	}
	if resp.Status != statusUnknownPID {
		t.Fatalf("expect unknown pid status, got %d", resp.Status)
	}
	if !errors.Is(resp.Status.err(), ErrUnknownPID) {
		t.Fatalf("status should map to ErrUnknownPID, got %v", resp.Status.err())
	}
}

func TestBridgeProtoMismatch(t *testing.T) {
	_, srv, _ := newBridge(t, EnvOptions{})

	resp, err := srv.Attach(context.Background(), &attachReq{Proto: bridgeProto + 1})
	if err != nil {
		t.Fatalf("direct attach: %v", err)
	}
	if resp.Status != statusBadProto {
		t.Fatalf("expect bad proto status, got %d", resp.Status)
	}
	if !errors.Is(resp.Status.err(), ErrProtoMismatch) {
		t.Fatalf("status should map to ErrProtoMismatch, got %v", resp.Status.err())
	}
}

func TestBridgeBreakerTrips(t *testing.T) {
	k := kernel.New()
	defer k.Close()
	s, err := NewServer(k, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start bridge server: %v", err)
	}
	env, err := Dial(s.Addr(), EnvOptions{
		CallTimeout:      200 * time.Millisecond,
		BreakerThreshold: 2,
		BreakerOpenFor:   time.Hour,
	})
	if err != nil {
		s.Stop()
		t.Fatalf("dial bridge: %v", err)
	}
	defer env.Close()

	// 掐断传输，之后的调用全部是传输层失败
	s.Stop()

	iface := wire.NewInterfaceID("bridge.down")
	for i := 0; i < 2; i++ {
		if err := env.RegisterInterface(iface); err == nil {
			t.Fatalf("call %d should fail after server stop", i)
		} else if errors.Is(err, ErrBridgeOpen) {
			t.Fatalf("breaker tripped before threshold at call %d", i)
		}
	}
	if err := env.RegisterInterface(iface); !errors.Is(err, ErrBridgeOpen) {
		t.Fatalf("expect ErrBridgeOpen after repeated transport failures, got %v", err)
	}
}
