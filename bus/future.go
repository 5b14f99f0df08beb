package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// outcome 存储未来完成后的结果。
type outcome[T any] struct {
	v   T
	err error
}

// Future 是响应未来：代表一次等待应答的发射最终结果的一次性句柄。
// 它只完成一次，支持回调、阻塞等待和建议性取消。
//
// 状态流转：创建 → 等待投递 → {已完成 | 已取消}。
// 等待者在发射时即被登记，因此一个从未被 Await 的未来被 Cancel
// 时仍会触发清理。没有隐式超时：不等待也不取消的请求无限期
// 保持活跃。
type Future[T any] struct {
	// ch 用于通知完成的通道
	ch chan outcome[T]
	// done 标记是否已完成
	done atomic.Bool
	// result 存储完成后的结果
	result atomic.Value
	// cbMu 保护 callbacks 和 cbRan 的并发访问
	cbMu sync.Mutex
	// callbacks 完成时调用的回调函数列表
	callbacks []func(T, error)
	// cbRan 标记回调是否已经排空，之后注册的回调立即执行
	cbRan bool
	// cancelOnce 保证建议性取消至多尝试一次
	cancelOnce sync.Once
	// cancel 建议性取消动作，由发射方设置；结果被吞掉
	cancel func()
}

// newFuture 创建一个新的未完成未来。
func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan outcome[T], 1)}
}

// failedFuture 创建一个已经以 err 完成的未来。
// 用于发射本身失败时直接返回，不登记任何等待者。
func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// resolve 完成未来。首次调用生效并返回 true，之后的调用不执行
// 任何操作。完成后会调用所有注册的回调函数。
func (f *Future[T]) resolve(v T, err error) bool {
	if f.done.Swap(true) {
		return false
	}
	o := outcome[T]{v: v, err: err}
	f.result.Store(&o)
	f.ch <- o
	close(f.ch)
	f.cbMu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.cbRan = true
	f.cbMu.Unlock()
	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done 报告未来是否已完成。
func (f *Future[T]) Done() bool { return f.done.Load() }

// OnComplete 注册一个回调函数，在未来完成时调用。
// 如果未来已经完成，回调会在调用者 goroutine 中立即执行。
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.cbMu.Lock()
	if !f.cbRan {
		f.callbacks = append(f.callbacks, cb)
		f.cbMu.Unlock()
		return
	}
	f.cbMu.Unlock()
	// cbRan 在结果写入之后置位，这里的读取不会落空
	o := f.result.Load().(*outcome[T])
	cb(o.v, o.err)
}

// Await 阻塞直到未来完成或超时。
// 如果 timeout <= 0，则无限期等待。
// 超时返回 ErrAwaitTimeout；这只放弃等待，不取消请求本身。
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	var zero T
	if f.done.Load() {
		// 完成进行中时结果可能尚未写入，此时落到通道等待
		if o, _ := f.result.Load().(*outcome[T]); o != nil {
			return o.v, o.err
		}
	}
	if timeout <= 0 {
		o, ok := <-f.ch
		if !ok {
			return f.settled()
		}
		return o.v, o.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o, ok := <-f.ch:
		if !ok {
			return f.settled()
		}
		return o.v, o.err
	case <-timer.C:
		return zero, ErrAwaitTimeout
	}
}

// settled 返回已完成未来的结果。通道关闭发生在结果写入之后，
// 因此从已关闭通道返回的调用方在这里必然读到结果。
func (f *Future[T]) settled() (T, error) {
	o := f.result.Load().(*outcome[T])
	return o.v, o.err
}

// AwaitContext 阻塞直到未来完成或 ctx 结束。
// ctx 结束返回 ctx.Err()；这只放弃等待，不取消请求本身。
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	if f.done.Load() {
		o, _ := f.result.Load().(*outcome[T])
		if o != nil {
			return o.v, o.err
		}
	}
	var zero T
	select {
	case o, ok := <-f.ch:
		if !ok {
			return f.settled()
		}
		return o.v, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cancel 取消未来：资源守卫的拆除步骤。
//
// 未来立即以 ErrCancelled 完成（若尚未完成），随后无条件尝试一次
// 建议性的环境取消并吞掉其结果。取消与应答的竞争是固有的：
// 环境侧取消失败意味着应答已经在途，迟到的应答会被接收循环
// 静默丢弃。不再需要的未来应当被 Cancel，否则其标识符无限期
// 保持活跃。
func (f *Future[T]) Cancel() {
	f.cancelOnce.Do(func() {
		var zero T
		if f.resolve(zero, ErrCancelled) && f.cancel != nil {
			f.cancel()
		}
	})
}

// Then 将 Future[A] 转换为 Future[B]。
// 当原始未来成功完成时，对结果应用 fn 函数；原始未来失败时
// 错误直接传播。这允许链式组合多个异步操作。
func Then[A any, B any](fa *Future[A], fn func(A) (B, error)) *Future[B] {
	fb := newFuture[B]()
	fa.OnComplete(func(a A, err error) {
		if err != nil {
			var zero B
			fb.resolve(zero, err)
			return
		}
		fb.resolve(fn(a))
	})
	return fb
}

// All 等待所有输入未来完成后返回结果切片。
// 结果顺序与输入顺序一致；任何一个失败时整体以第一个
// （按输入顺序）失败的错误完成。
// 如果输入为空，立即返回一个完成的空未来。
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out := newFuture[[]T]()
	if len(fs) == 0 {
		out.resolve(nil, nil)
		return out
	}
	var (
		mu   sync.Mutex
		left = len(fs)
		vals = make([]T, len(fs))
		errs = make([]error, len(fs))
	)
	for i, f := range fs {
		i, f := i, f
		f.OnComplete(func(v T, err error) {
			mu.Lock()
			vals[i] = v
			errs[i] = err
			left--
			last := left == 0
			mu.Unlock()
			if !last {
				return
			}
			for _, e := range errs {
				if e != nil {
					out.resolve(nil, e)
					return
				}
			}
			out.resolve(vals, nil)
		})
	}
	return out
}
