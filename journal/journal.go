package journal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
)

// Journal 是一个追加式消息日志，用于记录总线上路由和应答的消息。
// 记录格式：[4 字节小端序长度][记录字节]。
//
// Journal 提供原子性的追加和重放操作，典型使用场景：
//   - 内核开启日志后，每条路由/应答的消息在投递前先落盘
//   - 事后审计或排障时按到达顺序重放全部记录
type Journal struct {
	// mu 保护并发访问
	mu sync.Mutex
	// f 底层文件
	f *os.File
	// path 文件路径
	path string
}

// Open 打开或创建指定路径的日志文件。
// 文件以读写、创建、追加模式打开。
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f, path: path}, nil
}

// Path 返回日志文件路径。
func (j *Journal) Path() string { return j.path }

// Close 关闭底层文件。可以安全地多次调用。
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Append 追加一条记录。
// 记录格式：4 字节长度前缀 + 记录数据。空记录不执行任何操作。
func (j *Journal) Append(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:], b)
	if _, err := j.f.Write(buf); err != nil {
		return err
	}
	return nil
}

// Replay 从头读取记录并按顺序返回。
// 截断的头部被视为日志结束。
// 重放完成后，文件指针定位到末尾，以便后续追加。
func (j *Journal) Replay() ([][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil, os.ErrClosed
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var out [][]byte
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(j.f, lenBuf[:])
		if err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(j.f, buf); err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	_, _ = j.f.Seek(0, io.SeekEnd)
	return out, nil
}
