package queue

// Ring 是一个可索引的环形缓冲区，按到达顺序保存元素。
// 与只支持头部出队的队列不同，Ring 允许按逻辑下标检查任意元素，
// 并从中间移除，这是兴趣匹配（跳过不匹配、保留在队）所必需的。
//
// 容量向上取整到 2 的幂以便用掩码取模；满时自动翻倍扩容。
// Ring 本身不做并发保护，由持有者加锁。
type Ring[T any] struct {
	// mask 用于快速取模的掩码（容量为 2 的幂）
	mask uint64
	// buf 环形缓冲区
	buf []T
	// head 逻辑下标 0 对应的物理位置
	head uint64
	// n 当前元素个数
	n uint64
}

// NewRing 创建环形缓冲区，容量向上取整到最近的 2 的幂（最小 2）。
func NewRing[T any](capacity uint64) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	c := uint64(1)
	for c < capacity {
		c <<= 1
	}
	return &Ring[T]{mask: c - 1, buf: make([]T, c)}
}

// Len 返回当前元素个数。
func (r *Ring[T]) Len() int { return int(r.n) }

// Capacity 返回当前底层容量。
func (r *Ring[T]) Capacity() uint64 { return uint64(len(r.buf)) }

// PushBack 在尾部追加一个元素，必要时扩容。
func (r *Ring[T]) PushBack(v T) {
	if r.n == uint64(len(r.buf)) {
		r.grow()
	}
	r.buf[(r.head+r.n)&r.mask] = v
	r.n++
}

// At 返回逻辑下标 i 处元素的指针。下标越界时 panic。
func (r *Ring[T]) At(i int) *T {
	if i < 0 || uint64(i) >= r.n {
		panic("queue: ring index out of range")
	}
	return &r.buf[(r.head+uint64(i))&r.mask]
}

// PopFront 弹出头部元素。队列为空时返回零值和 false。
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head&r.mask]
	r.buf[r.head&r.mask] = zero
	r.head++
	r.n--
	return v, true
}

// RemoveAt 移除并返回逻辑下标 i 处的元素，保持其余元素的相对顺序。
// 移动较短的一侧以减少拷贝。
func (r *Ring[T]) RemoveAt(i int) T {
	v := *r.At(i)
	var zero T
	if uint64(i) < r.n/2 {
		// 前半段右移一格
		for j := i; j > 0; j-- {
			*r.At(j) = *r.At(j - 1)
		}
		r.buf[r.head&r.mask] = zero
		r.head++
	} else {
		// 后半段左移一格
		for j := uint64(i); j+1 < r.n; j++ {
			*r.At(int(j)) = *r.At(int(j + 1))
		}
		r.buf[(r.head+r.n-1)&r.mask] = zero
	}
	r.n--
	return v
}

// grow 容量翻倍并按逻辑顺序重排元素。
func (r *Ring[T]) grow() {
	nb := make([]T, len(r.buf)*2)
	for i := uint64(0); i < r.n; i++ {
		nb[i] = r.buf[(r.head+i)&r.mask]
	}
	r.buf = nb
	r.mask = uint64(len(nb) - 1)
	r.head = 0
}
