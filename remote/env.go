package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"interbus/wire"
)

// EnvOptions 配置桥接客户端。
type EnvOptions struct {
	// CallTimeout 控制类调用的超时（默认 5 秒）
	CallTimeout time.Duration
	// WaitTimeout 单次长轮询的时长（默认 30 秒）
	WaitTimeout time.Duration
	// BreakerThreshold 熔断阈值（默认 5 次连续传输失败）
	BreakerThreshold uint64
	// BreakerOpenFor 熔断打开时长（默认 5 秒）
	BreakerOpenFor time.Duration
}

// Env 是环境契约的桥接实现：五个调用都转发给远端内核，
// 本进程可以经由它（以及上层的连接）使用另一个地址空间里的
// 总线。接收方向与进程内环境一样由单个接收者独占。
type Env struct {
	// cc 到远端的 gRPC 连接
	cc *grpc.ClientConn
	// pid 远端分配的进程句柄
	pid wire.PID
	// breaker 传输层熔断器
	breaker *CircuitBreaker
	// callTimeout 控制类调用的超时
	callTimeout time.Duration
	// waitTimeout 单次长轮询的时长
	waitTimeout time.Duration
	// closed 关闭标志
	closed atomic.Bool

	// mu 保护 readyCh、pollCancel 和 lastInterest
	mu sync.Mutex
	// readyCh 当前的就绪通知通道，长轮询在途时非 nil
	readyCh chan struct{}
	// pollCancel 撤回在途长轮询
	pollCancel context.CancelFunc
	// lastInterest 最近一次接收的兴趣集快照，供长轮询使用
	lastInterest []uint64
}

// Dial 连接远端桥接服务并申请进程句柄。
func Dial(addr string, opts EnvOptions) (*Env, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	cc, err := grpc.Dial(addr, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.ForceCodec(rpcCodec{})))
	if err != nil {
		return nil, err
	}
	e := &Env{
		cc:          cc,
		breaker:     NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerOpenFor),
		callTimeout: opts.CallTimeout,
		waitTimeout: opts.WaitTimeout,
	}
	var resp attachResp
	if err := e.invoke("Attach", e.callTimeout, &attachReq{Proto: bridgeProto}, &resp); err != nil {
		_ = cc.Close()
		return nil, err
	}
	if resp.Status != statusOK {
		_ = cc.Close()
		return nil, resp.Status.err()
	}
	e.pid = resp.PID
	return e, nil
}

// PID 返回远端分配的进程句柄。
func (e *Env) PID() wire.PID { return e.pid }

// invoke 发起一次桥接调用，见 invokeCtx。
func (e *Env) invoke(method string, timeout time.Duration, in, out any) error {
	return e.invokeCtx(context.Background(), method, timeout, in, out)
}

// invokeCtx 发起一次桥接调用。传输层失败计入熔断；带内状态码由
// 调用方解释，不触发熔断；调用方主动撤回（parent 结束）也不计入。
func (e *Env) invokeCtx(parent context.Context, method string, timeout time.Duration, in, out any) error {
	if !e.breaker.Allow(time.Now()) {
		return ErrBridgeOpen
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	err := e.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.ForceCodec(rpcCodec{}))
	if err != nil {
		if parent.Err() == nil {
			e.breaker.OnFailure(time.Now())
		}
		return err
	}
	e.breaker.OnSuccess()
	return nil
}

// RegisterInterface 实现环境契约。
func (e *Env) RegisterInterface(id wire.InterfaceID) error {
	if e.closed.Load() {
		return ErrBridgeClosed
	}
	var resp controlResp
	if err := e.invoke("Register", e.callTimeout, &registerReq{PID: e.pid, Interface: id}, &resp); err != nil {
		return err
	}
	return resp.Status.err()
}

// EmitMessage 实现环境契约。
func (e *Env) EmitMessage(iface wire.InterfaceID, payload []byte, needsAnswer bool) (wire.MessageID, error) {
	if e.closed.Load() {
		return 0, ErrBridgeClosed
	}
	var resp emitResp
	req := &emitReq{PID: e.pid, Interface: iface, Payload: payload, NeedsAnswer: needsAnswer}
	if err := e.invoke("Emit", e.callTimeout, req, &resp); err != nil {
		return 0, err
	}
	if resp.Status != statusOK {
		return 0, resp.Status.err()
	}
	return resp.MessageID, nil
}

// EmitAnswer 实现环境契约。
func (e *Env) EmitAnswer(id wire.MessageID, payload []byte) error {
	if e.closed.Load() {
		return ErrBridgeClosed
	}
	var resp controlResp
	if err := e.invoke("Answer", e.callTimeout, &answerReq{PID: e.pid, MessageID: id, Payload: payload}, &resp); err != nil {
		return err
	}
	return resp.Status.err()
}

// CancelMessage 实现环境契约。
func (e *Env) CancelMessage(id wire.MessageID) error {
	if e.closed.Load() {
		return ErrBridgeClosed
	}
	var resp controlResp
	if err := e.invoke("Cancel", e.callTimeout, &cancelReq{PID: e.pid, MessageID: id}, &resp); err != nil {
		return err
	}
	return resp.Status.err()
}

// NextMessage 实现环境契约。服务端的接收从不阻塞；block 为 true
// 时客户端以长轮询等待后重试，多路复用接收的语义保持不变。
func (e *Env) NextMessage(interest []uint64, out []byte, block bool) (int, error) {
	if e.closed.Load() {
		return 0, ErrBridgeClosed
	}
	for {
		var resp nextResp
		req := &nextReq{PID: e.pid, Interest: interest, MaxBytes: len(out)}
		if err := e.invoke("Next", e.callTimeout, req, &resp); err != nil {
			return 0, err
		}
		if resp.Status != statusOK {
			return 0, resp.Status.err()
		}
		if resp.N == 0 {
			e.rememberInterest(interest)
			if !block {
				return 0, nil
			}
			var wr waitResp
			wreq := &waitReq{PID: e.pid, Interest: interest, TimeoutMS: e.waitTimeout.Milliseconds()}
			if err := e.invoke("Wait", e.waitTimeout+5*time.Second, wreq, &wr); err != nil {
				return 0, err
			}
			if wr.Status != statusOK {
				return 0, wr.Status.err()
			}
			continue
		}
		if resp.N > len(out) {
			return resp.N, nil
		}
		copy(out, resp.Frame)
		// 服务端清零了命中的兴趣槽位，回写给调用方
		copy(interest, resp.Interest)
		return resp.N, nil
	}
}

// rememberInterest 记录兴趣集快照。快照变化时撤回在途的长轮询：
// 它还在按旧的兴趣集等待，留着会白白吃掉远端的就绪信号。
func (e *Env) rememberInterest(interest []uint64) {
	e.mu.Lock()
	if !sameInterest(e.lastInterest, interest) {
		e.lastInterest = append(e.lastInterest[:0], interest...)
		if e.pollCancel != nil {
			e.pollCancel()
			e.pollCancel = nil
			e.readyCh = nil
		}
	}
	e.mu.Unlock()
}

// Ready 返回就绪通知通道。
//
// 进程内环境有内核直接戳的通知通道，桥接环境没有对等的推送
// 通路，用一次后台长轮询模拟：通道在远端出现匹配消息、轮询
// 超时或链路出错时关闭，接收方醒来后重试接收。任何时刻至多
// 一次后台长轮询在途。
func (e *Env) Ready() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readyCh == nil {
		ch := make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		interest := append([]uint64(nil), e.lastInterest...)
		e.readyCh = ch
		e.pollCancel = cancel
		go e.poll(ctx, ch, interest)
	}
	return e.readyCh
}

// poll 执行一次后台长轮询，结束后关闭通知通道。
func (e *Env) poll(ctx context.Context, ch chan struct{}, interest []uint64) {
	var wr waitResp
	req := &waitReq{PID: e.pid, Interest: interest, TimeoutMS: e.waitTimeout.Milliseconds()}
	err := e.invokeCtx(ctx, "Wait", e.waitTimeout+5*time.Second, req, &wr)
	if err != nil && ctx.Err() == nil && !e.closed.Load() {
		// 链路故障时退避，避免接收循环热转
		time.Sleep(200 * time.Millisecond)
	}
	e.mu.Lock()
	if e.readyCh == ch {
		e.readyCh = nil
		e.pollCancel = nil
	}
	e.mu.Unlock()
	close(ch)
}

// Close 释放桥接环境：撤回在途长轮询，尽力通知远端释放句柄，
// 然后关闭连接。可以安全地多次调用。
func (e *Env) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
	e.mu.Unlock()
	var resp controlResp
	_ = e.invoke("Detach", e.callTimeout, &detachReq{PID: e.pid}, &resp)
	return e.cc.Close()
}

// sameInterest 报告两个兴趣集是否逐槽相等。
func sameInterest(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
