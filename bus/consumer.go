package bus

import "interbus/wire"

// Delivery 是投递给消费者的一条接口消息。
type Delivery struct {
	// Interface 消息的目标接口
	Interface wire.InterfaceID
	// MessageID 消息标识符，0 表示即发即弃
	MessageID wire.MessageID
	// EmitterPID 发射方进程标识
	EmitterPID wire.PID
	// Payload 原始负载
	Payload []byte

	conn *Conn
}

// NeedsAnswer 报告发射方是否在等待响应。
func (d Delivery) NeedsAnswer() bool { return d.MessageID != 0 }

// AnswerRaw 以原始字节应答本条消息。
// 标识符已退役（发射方已取消或已释放）时返回
// wire.ErrInvalidMessageID；即发即弃的消息同样无法应答。
func (d Delivery) AnswerRaw(payload []byte) error {
	if d.conn.closed.Load() {
		return ErrConnClosed
	}
	return d.conn.env.EmitAnswer(d.MessageID, payload)
}

// Answer 编码 v 并应答本条消息。
func (d Delivery) Answer(v any) error {
	payload, err := d.conn.codec.Marshal(v)
	if err != nil {
		return err
	}
	return d.AnswerRaw(payload)
}

// Decode 把负载解码到 v。
func (d Delivery) Decode(v any) error {
	return d.conn.codec.Unmarshal(d.Payload, v)
}
