package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InterfaceID 是接口的全局标识符：一个 256 位的不透明值。
// 按约定全局唯一（例如内容哈希），不可变，只通过相等性比较。
// 它不属于任何进程，而是一个命名空间键：内核注册表将它映射到
// 至多一个拥有者进程。
type InterfaceID [32]byte

// NewInterfaceID 通过对名称做 SHA-256 哈希派生一个接口标识符。
// 相同的名称总是产生相同的标识符，便于双方在编译期约定接口。
func NewInterfaceID(name string) InterfaceID {
	return InterfaceID(sha256.Sum256([]byte(name)))
}

// ParseInterfaceID 解析 64 个十六进制字符表示的接口标识符。
func ParseInterfaceID(s string) (InterfaceID, error) {
	var id InterfaceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse interface id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse interface id: need %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String 返回标识符的十六进制表示。
func (id InterfaceID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero 报告标识符是否为零值。零值不是合法的接口标识符。
func (id InterfaceID) IsZero() bool {
	return id == InterfaceID{}
}

// PID 是进程标识符，由内核在进程生成时分配。
type PID uint64

// MessageID 是消息关联标识符：一个 64 位值，仅在调用方请求应答时
// 由环境分配。它把一条等待应答的请求和最终的响应关联起来。
//
// 生命周期：
//   - 在发射时诞生（needsAnswer 为 true 且路由成功）
//   - 在以下三者之一处消亡：被应答、被取消、持有它的未来被丢弃
//
// 取值 0 表示"不期待应答"（即发即忘投递），永远不是活跃的标识符。
// 调用方不得依赖取值小、连续或被及时复用。
type MessageID uint64
