package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind 区分消息联合体的两种形态。
type Kind uint8

const (
	// KindInterface 表示接口消息：投递给注册了目标接口的进程。
	KindInterface Kind = 1
	// KindResponse 表示响应消息：投递给最初发射请求的进程。
	KindResponse Kind = 2
)

// Message 是总线上流动的消息，两种形态的带标签联合体：
//   - 接口消息：{Interface, MessageID, EmitterPID, Payload}，
//     投递给注册了 Interface 的进程；MessageID 为 0 表示即发即忘
//   - 响应消息：{MessageID, Payload}，投递给原始发射者，
//     且每个消息标识符至多投递一次
//
// Payload 在本层是不透明字节；其模式由通信双方自行约定。
type Message struct {
	// Kind 消息形态
	Kind Kind
	// Interface 目标接口，仅接口消息有效
	Interface InterfaceID
	// MessageID 关联标识符；接口消息中为 0 表示不期待应答
	MessageID MessageID
	// EmitterPID 发射者进程，仅接口消息有效
	EmitterPID PID
	// Payload 不透明负载字节
	Payload []byte
}

// NewInterfaceMessage 构造一条接口消息。
func NewInterfaceMessage(iface InterfaceID, id MessageID, emitter PID, payload []byte) Message {
	return Message{Kind: KindInterface, Interface: iface, MessageID: id, EmitterPID: emitter, Payload: payload}
}

// NewResponseMessage 构造一条响应消息。
func NewResponseMessage(id MessageID, payload []byte) Message {
	return Message{Kind: KindResponse, MessageID: id, Payload: payload}
}

// 编码布局（小端序）：
//
//	接口消息：tag(1) 接口(32) 消息标识符(8) 发射者(8) 负载长度(4) 负载
//	响应消息：tag(1) 消息标识符(8) 负载长度(4) 负载
const (
	interfaceHeaderLen = 1 + 32 + 8 + 8 + 4
	responseHeaderLen  = 1 + 8 + 4
)

// EncodedSize 返回消息编码后的字节数。
func (m *Message) EncodedSize() int {
	switch m.Kind {
	case KindInterface:
		return interfaceHeaderLen + len(m.Payload)
	default:
		return responseHeaderLen + len(m.Payload)
	}
}

// Encode 返回消息的编码字节。
func (m *Message) Encode() []byte {
	buf := make([]byte, m.EncodedSize())
	m.EncodeTo(buf)
	return buf
}

// EncodeTo 把消息编码进 buf 并返回写入的字节数。
// buf 必须至少有 EncodedSize 字节，否则 panic。
func (m *Message) EncodeTo(buf []byte) int {
	switch m.Kind {
	case KindInterface:
		buf[0] = byte(KindInterface)
		copy(buf[1:33], m.Interface[:])
		binary.LittleEndian.PutUint64(buf[33:41], uint64(m.MessageID))
		binary.LittleEndian.PutUint64(buf[41:49], uint64(m.EmitterPID))
		binary.LittleEndian.PutUint32(buf[49:53], uint32(len(m.Payload)))
		copy(buf[interfaceHeaderLen:], m.Payload)
		return interfaceHeaderLen + len(m.Payload)
	case KindResponse:
		buf[0] = byte(KindResponse)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(m.MessageID))
		binary.LittleEndian.PutUint32(buf[9:13], uint32(len(m.Payload)))
		copy(buf[responseHeaderLen:], m.Payload)
		return responseHeaderLen + len(m.Payload)
	}
	panic(fmt.Sprintf("wire: encode unknown message kind %d", m.Kind))
}

// DecodeMessage 从 b 解码一条消息。负载被拷贝，返回值不引用 b。
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if len(b) < 1 {
		return m, ErrTooShort
	}
	switch Kind(b[0]) {
	case KindInterface:
		if len(b) < interfaceHeaderLen {
			return m, ErrTooShort
		}
		m.Kind = KindInterface
		copy(m.Interface[:], b[1:33])
		m.MessageID = MessageID(binary.LittleEndian.Uint64(b[33:41]))
		m.EmitterPID = PID(binary.LittleEndian.Uint64(b[41:49]))
		n := binary.LittleEndian.Uint32(b[49:53])
		if len(b) < interfaceHeaderLen+int(n) {
			return m, ErrTooShort
		}
		m.Payload = append([]byte(nil), b[interfaceHeaderLen:interfaceHeaderLen+int(n)]...)
		return m, nil
	case KindResponse:
		if len(b) < responseHeaderLen {
			return m, ErrTooShort
		}
		m.Kind = KindResponse
		m.MessageID = MessageID(binary.LittleEndian.Uint64(b[1:9]))
		n := binary.LittleEndian.Uint32(b[9:13])
		if len(b) < responseHeaderLen+int(n) {
			return m, ErrTooShort
		}
		m.Payload = append([]byte(nil), b[responseHeaderLen:responseHeaderLen+int(n)]...)
		return m, nil
	}
	return m, fmt.Errorf("%w: tag %d", ErrUnknownKind, b[0])
}
