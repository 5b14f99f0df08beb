package wire

import "errors"

var (
	// ErrBadInterface 表示没有进程拥有目标接口。
	// 可恢复错误，直接返回给发射者；本层不做重试，调用方可稍后再试。
	ErrBadInterface = errors.New("no process registered the interface")
	// ErrAlreadyRegistered 表示接口已被注册（先注册者胜）。
	// 对本次注册尝试是致命的，不会自动重试，也不影响既有注册。
	ErrAlreadyRegistered = errors.New("interface already registered")
	// ErrInvalidMessageID 表示应答或取消指向了一个当前不活跃的消息标识符：
	// 从未分配、已被应答、或已被取消。
	ErrInvalidMessageID = errors.New("invalid message id")
	// ErrEnvClosed 表示环境已永久关闭，之后的环境调用不会再成功。
	// 环境实现把自己的关闭错误包装到它上面；接收方据此区分
	// 终止性失败和可重试的瞬时故障。
	ErrEnvClosed = errors.New("environment closed")
	// ErrTooShort 表示解码时字节不足，消息帧被截断。
	ErrTooShort = errors.New("message frame too short")
	// ErrUnknownKind 表示消息帧携带了未知的形态标签。
	ErrUnknownKind = errors.New("unknown message kind")
)
