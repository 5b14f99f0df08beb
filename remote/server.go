package remote

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"interbus/kernel"
	"interbus/wire"
)

// maxWaitTimeout 是服务端单次长轮询的等待上限。
const maxWaitTimeout = 60 * time.Second

// KernelServer 定义桥接服务接口。
type KernelServer interface {
	Attach(context.Context, *attachReq) (*attachResp, error)
	Register(context.Context, *registerReq) (*controlResp, error)
	Emit(context.Context, *emitReq) (*emitResp, error)
	Answer(context.Context, *answerReq) (*controlResp, error)
	Cancel(context.Context, *cancelReq) (*controlResp, error)
	Next(context.Context, *nextReq) (*nextResp, error)
	Wait(context.Context, *waitReq) (*waitResp, error)
	Detach(context.Context, *detachReq) (*controlResp, error)
}

// Server 把进程内内核暴露给远端客户端。
// 每个 Attach 在内核中生成一个进程，后续调用凭句柄操作该进程。
type Server struct {
	// k 被桥接的内核
	k *kernel.Kernel
	// gs gRPC 服务器实例
	gs *grpc.Server
	// lis 网络监听器
	lis net.Listener
	// addr 本地监听地址
	addr string

	// mu 保护 procs；nil 表示服务已停止
	mu sync.Mutex
	// procs 由本服务生成的进程，按句柄索引
	procs map[wire.PID]*kernel.Proc
}

// NewServer 在指定地址（默认 :50051）启动桥接服务。
func NewServer(k *kernel.Kernel, listenAddr string) (*Server, error) {
	if listenAddr == "" {
		listenAddr = ":50051"
	}
	encoding.RegisterCodec(rpcCodec{})
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		k:     k,
		lis:   lis,
		addr:  lis.Addr().String(),
		procs: make(map[wire.PID]*kernel.Proc),
	}
	s.gs = grpc.NewServer(grpc.ForceServerCodec(rpcCodec{}))
	s.registerService(s.gs)
	go func() { _ = s.gs.Serve(lis) }()
	return s, nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() string { return s.addr }

// Stop 停止桥接服务并释放所有由它生成的进程。
// 用 Stop 而非 GracefulStop：在途的长轮询可能要数十秒才返回。
func (s *Server) Stop() {
	s.gs.Stop()
	_ = s.lis.Close()
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()
	for _, p := range procs {
		p.Release()
	}
}

// proc 查找句柄对应的进程，未知句柄或服务已停止时返回 nil。
func (s *Server) proc(pid wire.PID) *kernel.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs == nil {
		return nil
	}
	return s.procs[pid]
}

// Attach 生成一个进程并返回其句柄。
func (s *Server) Attach(_ context.Context, in *attachReq) (*attachResp, error) {
	if in.Proto != bridgeProto {
		return &attachResp{Status: statusBadProto}, nil
	}
	p := s.k.Spawn()
	s.mu.Lock()
	if s.procs == nil {
		s.mu.Unlock()
		p.Release()
		return &attachResp{Status: statusClosed}, nil
	}
	s.procs[p.PID()] = p
	s.mu.Unlock()
	return &attachResp{Status: statusOK, PID: p.PID()}, nil
}

// Register 注册一个接口。
func (s *Server) Register(_ context.Context, in *registerReq) (*controlResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &controlResp{Status: statusUnknownPID}, nil
	}
	return &controlResp{Status: statusOf(p.RegisterInterface(in.Interface))}, nil
}

// Emit 发射一条消息。
func (s *Server) Emit(_ context.Context, in *emitReq) (*emitResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &emitResp{Status: statusUnknownPID}, nil
	}
	id, err := p.EmitMessage(in.Interface, in.Payload, in.NeedsAnswer)
	if err != nil {
		return &emitResp{Status: statusOf(err)}, nil
	}
	return &emitResp{Status: statusOK, MessageID: id}, nil
}

// Answer 应答一条消息。
func (s *Server) Answer(_ context.Context, in *answerReq) (*controlResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &controlResp{Status: statusUnknownPID}, nil
	}
	return &controlResp{Status: statusOf(p.EmitAnswer(in.MessageID, in.Payload))}, nil
}

// Cancel 取消一条消息。
func (s *Server) Cancel(_ context.Context, in *cancelReq) (*controlResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &controlResp{Status: statusUnknownPID}, nil
	}
	return &controlResp{Status: statusOf(p.CancelMessage(in.MessageID))}, nil
}

// Next 尝试接收一条匹配兴趣集的消息，从不阻塞。
// 兴趣集在响应中回显，命中的槽位已被清零。
func (s *Server) Next(_ context.Context, in *nextReq) (*nextResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &nextResp{Status: statusUnknownPID}, nil
	}
	max := in.MaxBytes
	if max < 0 {
		max = 0
	}
	buf := make([]byte, max)
	n, err := p.NextMessage(in.Interest, buf, false)
	if err != nil {
		return &nextResp{Status: statusClosed}, nil
	}
	resp := &nextResp{Status: statusOK, N: n, Interest: in.Interest}
	if n > 0 && n <= len(buf) {
		resp.Frame = buf[:n]
	}
	return resp, nil
}

// Wait 长轮询：阻塞到出现匹配兴趣集的消息、超时或进程释放。
// 不消费任何消息，HasMatch 为 true 时客户端应立即重试接收。
func (s *Server) Wait(ctx context.Context, in *waitReq) (*waitResp, error) {
	p := s.proc(in.PID)
	if p == nil {
		return &waitResp{Status: statusUnknownPID}, nil
	}
	timeout := time.Duration(in.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if p.HasMatch(in.Interest) {
			return &waitResp{Status: statusOK, HasMatch: true}, nil
		}
		select {
		case <-p.Ready():
		case <-p.Closed():
			return &waitResp{Status: statusClosed}, nil
		case <-timer.C:
			return &waitResp{Status: statusOK, HasMatch: false}, nil
		case <-ctx.Done():
			return &waitResp{Status: statusOK, HasMatch: false}, nil
		}
	}
}

// Detach 释放进程句柄。
func (s *Server) Detach(_ context.Context, in *detachReq) (*controlResp, error) {
	s.mu.Lock()
	var p *kernel.Proc
	if s.procs != nil {
		p = s.procs[in.PID]
		delete(s.procs, in.PID)
	}
	s.mu.Unlock()
	if p == nil {
		return &controlResp{Status: statusUnknownPID}, nil
	}
	p.Release()
	return &controlResp{Status: statusOK}, nil
}

// unary 把类型化的处理函数适配成 gRPC 方法处理器。
func unary[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		var in Req
		if err := dec(&in); err != nil {
			return nil, err
		}
		return fn(ctx, &in)
	}
}

// registerService 向 gRPC 服务器注册桥接服务。
func (s *Server) registerService(gs *grpc.Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*KernelServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Attach", Handler: unary(s.Attach)},
			{MethodName: "Register", Handler: unary(s.Register)},
			{MethodName: "Emit", Handler: unary(s.Emit)},
			{MethodName: "Answer", Handler: unary(s.Answer)},
			{MethodName: "Cancel", Handler: unary(s.Cancel)},
			{MethodName: "Next", Handler: unary(s.Next)},
			{MethodName: "Wait", Handler: unary(s.Wait)},
			{MethodName: "Detach", Handler: unary(s.Detach)},
		},
		Streams:  nil,
		Metadata: "gob",
	}, s)
}
