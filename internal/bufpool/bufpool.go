// Package bufpool 提供带命中统计的对象池。
//
// SSE 转发对每个事件都要拼一次 "data: <json>\n\n" 帧，长流下的分配
// 压力全落在这里。帧缓冲从池里借出，写完一帧立即归还。
package bufpool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool 是带统计的泛型对象池。
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	puts atomic.Int64
	news atomic.Int64
}

// New 创建对象池。reset 在归还时调用，可为 nil。
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFn()
	}
	return p
}

// Get 借出一个对象。
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put 归还一个对象。
func (p *Pool[T]) Put(v T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}

// Stats 返回计数快照。
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Gets: p.gets.Load(),
		Puts: p.puts.Load(),
		News: p.news.Load(),
	}
}

// Stats 池计数快照。
type Stats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// HitRate 返回复用命中率。
func (s Stats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// frameRetainCap 归还帧缓冲的容量上限。个别事件可能携带整页 base64
// 图片，把这种缓冲留在池里会让内存水位只升不降。
const frameRetainCap = 64 * 1024

// Frames 是 SSE 帧装配缓冲池。
var Frames = New(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 2048))
	},
	func(b *bytes.Buffer) {
		b.Reset()
	},
)

// PutFrame 归还帧缓冲，超过保留上限的直接丢给 GC。
func PutFrame(b *bytes.Buffer) {
	if b.Cap() > frameRetainCap {
		return
	}
	Frames.Put(b)
}
