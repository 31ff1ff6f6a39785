package utils

// Deque 基于环形缓冲区的 FIFO 队列, 非线程安全
type Deque[T any] struct {
	buf  []T
	head int
	size int
}

func (d *Deque[T]) Len() int {
	return d.size
}

func (d *Deque[T]) grow() {
	n := len(d.buf) * 2
	if n == 0 {
		n = 8
	}
	buf := make([]T, n)
	for i := 0; i < d.size; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}

func (d *Deque[T]) PushBack(v T) {
	if d.size == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.size)%len(d.buf)] = v
	d.size++
}

func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.size == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.size--
	return v, true
}

func (d *Deque[T]) Front() (T, bool) {
	var zero T
	if d.size == 0 {
		return zero, false
	}
	return d.buf[d.head], true
}

// Back 返回队尾元素的指针, 用于原地替换
func (d *Deque[T]) Back() (*T, bool) {
	if d.size == 0 {
		return nil, false
	}
	return &d.buf[(d.head+d.size-1)%len(d.buf)], true
}

func (d *Deque[T]) Clear() {
	var zero T
	for i := 0; i < d.size; i++ {
		d.buf[(d.head+i)%len(d.buf)] = zero
	}
	d.head = 0
	d.size = 0
}

// Drain 按顺序取出全部元素
func (d *Deque[T]) Drain() []T {
	out := make([]T, 0, d.size)
	for {
		v, ok := d.PopFront()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
