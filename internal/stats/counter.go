// Package stats 提供传输层运行时统计用的计数器
package stats

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	minStripes = 8
	maxStripes = 256

	// goroutine 最小栈 8KB，右移 13 位后不同 goroutine 大概率落在不同 stripe
	stackShift = 13
)

// stripe 独占一个 cache line
type stripe struct {
	n atomic.Int64
	_ [56]byte
}

// Counter 分片计数器：多个发布者并发 Add 时写入不同 cache line，Load 时求和。
// 零值不可用，使用 NewCounter 创建。
type Counter struct {
	stripes []stripe
	mask    uintptr
}

// NewCounter 按 GOMAXPROCS 向上取 2 的幂创建分片，范围 [8, 256]。
func NewCounter() *Counter {
	n := minStripes
	for n < runtime.GOMAXPROCS(0) && n < maxStripes {
		n <<= 1
	}
	return &Counter{
		stripes: make([]stripe, n),
		mask:    uintptr(n - 1),
	}
}

// Add 累加 delta。分片由调用方 goroutine 的栈地址决定。
//
//go:nosplit
func (c *Counter) Add(delta int64) {
	var anchor byte
	i := (uintptr(unsafe.Pointer(&anchor)) >> stackShift) & c.mask
	c.stripes[i].n.Add(delta)
}

// Load 返回全部分片之和。并发 Add 期间的结果是近似快照。
func (c *Counter) Load() int64 {
	var sum int64
	for i := range c.stripes {
		sum += c.stripes[i].n.Load()
	}
	return sum
}

// Stripes 返回分片数
func (c *Counter) Stripes() int {
	return len(c.stripes)
}
