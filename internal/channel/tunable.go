// Package channel 提供容量可自整定的有界队列。
//
// 网关的审计写入走“永不阻塞、宁可丢弃”的路径：队列写满直接拒绝。
// 自整定在采样窗口内观察拒绝率与占用率，突发时扩容、空闲时缩容，
// 让稳态内存占用和突发丢弃率都保持在低位。
package channel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Config 整定参数。
type Config struct {
	// Initial 初始容量。
	Initial int `json:"initial"`
	// Min 缩容下限。
	Min int `json:"min"`
	// Max 扩容上限。
	Max int `json:"max"`
	// Grow 扩容因子，拒绝率越界时容量乘以它。
	Grow float64 `json:"grow"`
	// Shrink 缩容因子。
	Shrink float64 `json:"shrink"`
	// Window 两次整定之间的最小间隔。
	Window time.Duration `json:"window"`
}

// DefaultConfig 返回默认整定参数。
func DefaultConfig() Config {
	return Config{
		Initial: 1024,
		Min:     256,
		Max:     8192,
		Grow:    2.0,
		Shrink:  0.5,
		Window:  10 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.Initial <= 0 {
		c.Initial = 1024
	}
	if c.Min <= 0 {
		c.Min = c.Initial
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Grow <= 1 {
		c.Grow = 2.0
	}
	if c.Shrink <= 0 || c.Shrink >= 1 {
		c.Shrink = 0.5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	return c
}

// Queue 是一条有界的非阻塞队列。TryPush 写满即拒绝，消费端通过 Chan
// 在 select 里接收。Tune 由消费端的节拍循环定期调用。
//
// 扩缩容会换底层 channel；换仓瞬间并发的 TryPush 可能落在旧仓上而丢失。
// 队列面向本就允许丢弃的流量（审计记录），不作投递保证。
type Queue[T any] struct {
	cfg Config

	mu       sync.RWMutex
	ch       chan T
	capacity int
	lastTune time.Time

	pushes  atomic.Int64
	rejects atomic.Int64
	pops    atomic.Int64
}

// New 创建队列。
func New[T any](cfg Config) *Queue[T] {
	cfg = cfg.normalized()
	return &Queue[T]{
		cfg:      cfg,
		ch:       make(chan T, cfg.Initial),
		capacity: cfg.Initial,
		lastTune: time.Now(),
	}
}

// TryPush 非阻塞入队，队列满时返回 false。
func (q *Queue[T]) TryPush(v T) bool {
	q.mu.RLock()
	ch := q.ch
	q.mu.RUnlock()

	select {
	case ch <- v:
		q.pushes.Add(1)
		return true
	default:
		q.rejects.Add(1)
		return false
	}
}

// TryPop 非阻塞出队，队列空时返回 false。关闭阶段用它排空残留记录。
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.RLock()
	ch := q.ch
	q.mu.RUnlock()

	select {
	case v := <-ch:
		q.pops.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan 暴露接收端供 select 使用。扩缩容后底层 channel 会更换，
// 循环体每轮都应重新调用 Chan 而不是缓存返回值。
func (q *Queue[T]) Chan() <-chan T {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.ch
}

// Len 返回当前排队的元素数。
func (q *Queue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ch)
}

// Cap 返回当前容量。
func (q *Queue[T]) Cap() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.capacity
}

// Tune 按窗口内的拒绝率与占用率调整容量：拒绝超过 5% 时扩容，
// 占用低于四分之一且零拒绝时缩容。窗口未满时直接返回。
func (q *Queue[T]) Tune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if time.Since(q.lastTune) < q.cfg.Window {
		return
	}
	q.lastTune = time.Now()

	pushes := q.pushes.Swap(0)
	rejects := q.rejects.Swap(0)
	q.pops.Store(0)

	attempts := pushes + rejects
	if attempts == 0 {
		return
	}

	rejectRate := float64(rejects) / float64(attempts)
	utilization := float64(len(q.ch)) / float64(q.capacity)

	next := q.capacity
	switch {
	case rejectRate > 0.05 && q.capacity < q.cfg.Max:
		next = int(float64(q.capacity) * q.cfg.Grow)
		if next > q.cfg.Max {
			next = q.cfg.Max
		}
	case rejects == 0 && utilization < 0.25 && q.capacity > q.cfg.Min:
		next = int(float64(q.capacity) * q.cfg.Shrink)
		if next < q.cfg.Min {
			next = q.cfg.Min
		}
	}

	if next != q.capacity {
		q.resize(next)
	}
}

// resize 换仓并搬运积压。调用方必须已持有写锁。
func (q *Queue[T]) resize(capacity int) {
	next := make(chan T, capacity)
	for {
		select {
		case v := <-q.ch:
			select {
			case next <- v:
			default:
				// 缩容时装不下的积压只能放弃
			}
		default:
			q.ch = next
			q.capacity = capacity
			return
		}
	}
}

// Stats 返回累计计数快照。
func (q *Queue[T]) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Capacity: q.capacity,
		Length:   len(q.ch),
		Pushes:   q.pushes.Load(),
		Rejects:  q.rejects.Load(),
		Pops:     q.pops.Load(),
	}
}

// Stats 队列计数快照。计数随 Tune 的采样窗口清零。
type Stats struct {
	Capacity int   `json:"capacity"`
	Length   int   `json:"length"`
	Pushes   int64 `json:"pushes"`
	Rejects  int64 `json:"rejects"`
	Pops     int64 `json:"pops"`
}
