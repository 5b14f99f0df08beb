package bus

import (
	"bytes"
	"encoding/gob"
)

// Codec 定义应用负载的编码器接口。
// 总线只搬运不透明字节；负载的模式由通信双方通过 Codec 约定。
// 消息帧本身的布局是固定的，不经过 Codec。
type Codec interface {
	// Marshal 将值编码为字节切片。
	Marshal(v any) ([]byte, error)
	// Unmarshal 将字节切片解码到 v 指向的值。
	Unmarshal(b []byte, v any) error
}

// GobCodec 是基于 Go gob 编码的负载编码器。
// gob 是 Go 原生的二进制序列化格式，支持所有基本类型和大多数复合类型。
// 注意：gob 编码不是跨语言兼容的，仅适用于 Go 程序之间的通信。
type GobCodec struct{}

// Marshal 使用 gob 编码将值序列化为字节切片。
func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal 使用 gob 解码将字节切片反序列化到 v 指向的值。
func (GobCodec) Unmarshal(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
