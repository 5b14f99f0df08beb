package bus

import "interbus/wire"

// Env 是进程赖以生存的五调用环境契约。
// 本包只依赖这个契约，不关心它背后是进程内内核（kernel.Proc）
// 还是远程桥接（remote.Env）。
//
// 接收调用的单飞约束：一次 NextMessage 调用期间，interest 和 out
// 缓冲区不得被任何其他代码读写。Conn 作为环境的独占持有者天然
// 满足这一点；绕过 Conn 直接使用 Env 的代码必须自行保证。
type Env interface {
	// RegisterInterface 注册一个接口。先注册者胜：任何进程对同一
	// 标识符的第二次注册返回 wire.ErrAlreadyRegistered，
	// 且对既有注册无影响。
	RegisterInterface(id wire.InterfaceID) error

	// EmitMessage 向接口发射一条消息。
	// 没有注册者时返回 wire.ErrBadInterface 且无任何副作用。
	// needsAnswer 为 false 时即发即忘，返回标识符 0。
	// needsAnswer 为 true 且成功时返回新分配的活跃消息标识符。
	EmitMessage(iface wire.InterfaceID, payload []byte, needsAnswer bool) (wire.MessageID, error)

	// EmitAnswer 应答一个投递给本进程的消息标识符。
	// 标识符不活跃时返回 wire.ErrInvalidMessageID。
	EmitAnswer(id wire.MessageID, payload []byte) error

	// CancelMessage 取消本进程发射的一个活跃消息标识符。
	// 标识符不活跃时返回 wire.ErrInvalidMessageID。
	// 与应答的竞争是固有的：取消成功（迟到的应答被丢弃）和
	// 取消失败（应答已经落地）都是合法结局。
	CancelMessage(id wire.MessageID) error

	// NextMessage 返回下一条匹配兴趣集的消息：
	//   - 0, nil：没有匹配的消息（仅当 block 为 false）
	//   - n <= len(out)：消息写入 out 并被消费，命中槽位被清零
	//   - n > len(out)：消息可用但未消费，需以更大的缓冲区重试
	//
	// 匹配者按到达顺序投递，不匹配者被跳过但保留。
	// 环境永久关闭时返回包装 wire.ErrEnvClosed 的错误；
	// 其余错误是瞬时故障，调用方可以重试。
	NextMessage(interest []uint64, out []byte, block bool) (int, error)

	// Ready 返回就绪通知通道。通道可收取（或被关闭）表示可能有
	// 新消息到达，接收方应重新尝试 NextMessage。
	Ready() <-chan struct{}

	// Close 释放环境。之后的操作失败，进程的未决标识符被退役。
	Close() error
}
