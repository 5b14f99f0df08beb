package testkit

import (
	"sync"

	"interbus/queue"
	"interbus/wire"
)

// EmittedMessage 记录 ScriptEnv 上的一次消息发射。
type EmittedMessage struct {
	// Interface 目标接口
	Interface wire.InterfaceID
	// Payload 负载副本
	Payload []byte
	// MessageID 分配的消息标识符，0 表示即发即弃
	MessageID wire.MessageID
}

// EmittedAnswer 记录 ScriptEnv 上的一次应答。
type EmittedAnswer struct {
	// MessageID 被应答的消息标识符
	MessageID wire.MessageID
	// Payload 负载副本
	Payload []byte
}

// ScriptEnv 是五调用环境契约的脚本化实现。
//
// 测试从外部注入消息、通过函数钩子指定控制操作的结果，并在事后
// 检查发生过的调用。接收侧复用真实的投递队列，多路复用接收的
// 全部语义（到达顺序、跳过保留、尺寸提示、槽位清零）与真实环境
// 一致。零值不可用，必须用 NewScriptEnv 创建。
type ScriptEnv struct {
	// RegisterFn 覆盖注册结果，nil 时注册总是成功
	RegisterFn func(wire.InterfaceID) error
	// EmitFn 覆盖发射结果，nil 时发射总是成功
	EmitFn func(wire.InterfaceID, []byte, bool) error
	// AnswerFn 覆盖应答结果，nil 时应答总是成功
	AnswerFn func(wire.MessageID, []byte) error
	// CancelFn 覆盖取消结果，nil 时取消总是成功
	CancelFn func(wire.MessageID) error
	// Faults 注入路径上的混沌故障
	Faults Chaos

	// q 投递队列
	q *queue.Queue

	// mu 保护以下记录字段
	mu sync.Mutex
	// nextID 最近分配的消息标识符
	nextID wire.MessageID
	// registered 已记录的注册调用
	registered []wire.InterfaceID
	// emitted 已记录的发射调用
	emitted []EmittedMessage
	// answered 已记录的应答调用
	answered []EmittedAnswer
	// cancelled 已记录的取消调用
	cancelled []wire.MessageID
}

// NewScriptEnv 创建一个脚本化环境。
func NewScriptEnv() *ScriptEnv {
	return &ScriptEnv{
		q:      queue.New(queue.Options{}),
		nextID: wire.FirstMessageID - 1,
	}
}

// Inject 把一条消息放进投递队列，如同它从总线到达。
// 受 Faults 配置的丢弃与延迟影响；返回消息是否实际入队。
func (e *ScriptEnv) Inject(m wire.Message) bool {
	return e.Faults.Apply(func() { _ = e.q.Push(m) })
}

// InjectAnswer 注入一条应答消息。
func (e *ScriptEnv) InjectAnswer(id wire.MessageID, payload []byte) bool {
	return e.Inject(wire.NewResponseMessage(id, payload))
}

// InjectInterface 注入一条接口消息。
func (e *ScriptEnv) InjectInterface(iface wire.InterfaceID, id wire.MessageID, emitter wire.PID, payload []byte) bool {
	return e.Inject(wire.NewInterfaceMessage(iface, id, emitter, payload))
}

// RegisterInterface 实现环境契约。
func (e *ScriptEnv) RegisterInterface(id wire.InterfaceID) error {
	if e.RegisterFn != nil {
		if err := e.RegisterFn(id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.registered = append(e.registered, id)
	e.mu.Unlock()
	return nil
}

// EmitMessage 实现环境契约。needsAnswer 为 true 时返回脚本分配的
// 下一个消息标识符。
func (e *ScriptEnv) EmitMessage(iface wire.InterfaceID, payload []byte, needsAnswer bool) (wire.MessageID, error) {
	if e.EmitFn != nil {
		if err := e.EmitFn(iface, payload, needsAnswer); err != nil {
			return 0, err
		}
	}
	e.mu.Lock()
	var id wire.MessageID
	if needsAnswer {
		e.nextID++
		id = e.nextID
	}
	e.emitted = append(e.emitted, EmittedMessage{
		Interface: iface,
		Payload:   append([]byte(nil), payload...),
		MessageID: id,
	})
	e.mu.Unlock()
	return id, nil
}

// EmitAnswer 实现环境契约。
func (e *ScriptEnv) EmitAnswer(id wire.MessageID, payload []byte) error {
	if e.AnswerFn != nil {
		if err := e.AnswerFn(id, payload); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.answered = append(e.answered, EmittedAnswer{
		MessageID: id,
		Payload:   append([]byte(nil), payload...),
	})
	e.mu.Unlock()
	return nil
}

// CancelMessage 实现环境契约。
func (e *ScriptEnv) CancelMessage(id wire.MessageID) error {
	if e.CancelFn != nil {
		if err := e.CancelFn(id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.cancelled = append(e.cancelled, id)
	e.mu.Unlock()
	return nil
}

// NextMessage 实现环境契约，语义与真实投递队列一致。
func (e *ScriptEnv) NextMessage(interest []uint64, out []byte, block bool) (int, error) {
	return e.q.Next(interest, out, block)
}

// Ready 实现环境契约。
func (e *ScriptEnv) Ready() <-chan struct{} { return e.q.Ready() }

// Close 实现环境契约。
func (e *ScriptEnv) Close() error {
	e.q.Close()
	return nil
}

// Registered 返回已记录的注册调用快照。
func (e *ScriptEnv) Registered() []wire.InterfaceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wire.InterfaceID(nil), e.registered...)
}

// Emitted 返回已记录的发射调用快照。
func (e *ScriptEnv) Emitted() []EmittedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EmittedMessage(nil), e.emitted...)
}

// Answered 返回已记录的应答调用快照。
func (e *ScriptEnv) Answered() []EmittedAnswer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EmittedAnswer(nil), e.answered...)
}

// Cancelled 返回已记录的取消调用快照。
func (e *ScriptEnv) Cancelled() []wire.MessageID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wire.MessageID(nil), e.cancelled...)
}

// LastMessageID 返回最近分配的消息标识符，尚未分配时为
// wire.FirstMessageID - 1。
func (e *ScriptEnv) LastMessageID() wire.MessageID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextID
}
