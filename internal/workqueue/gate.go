// Package workqueue 提供一个有界并发闸门。
//
// 浏览器登录一次要占数百 MB 内存和一个无头 Chrome 进程，闸门把同时
// 在跑的任务数压到上限；超出的提交排队等待，等待随 ctx 结束而放弃。
package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 闸门已关闭。
var ErrClosed = errors.New("workqueue: gate is closed")

// Task 是一个工作单元。收到的 ctx 来自提交方。
type Task func(ctx context.Context) error

// GateConfig 配置闸门。
type GateConfig struct {
	// MaxConcurrent 同时执行的任务上限。
	MaxConcurrent int `json:"max_concurrent"`
	// QueueDepth 等待队列长度，排满后 Do 阻塞在入队上直至 ctx 结束。
	QueueDepth int `json:"queue_depth"`
	// IdleTimeout 空闲 worker 的回收时限。
	IdleTimeout time.Duration `json:"idle_timeout"`
}

func (c GateConfig) normalized() GateConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.MaxConcurrent * 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// Gate 有界并发闸门。worker 按需拉起，空闲超时自行退出。
type Gate struct {
	cfg   GateConfig
	queue chan item

	workers atomic.Int32
	active  atomic.Int32
	closed  atomic.Bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type item struct {
	ctx    context.Context
	run    Task
	result chan error
}

// NewGate 创建闸门。
func NewGate(cfg GateConfig) *Gate {
	cfg = cfg.normalized()
	return &Gate{
		cfg:   cfg,
		queue: make(chan item, cfg.QueueDepth),
	}
}

// Do 提交任务并等待它完成。入队与执行都受 ctx 约束：排队期间 ctx 结束
// 则放弃等待返回 ctx 错误，已入队的任务由 worker 在执行前再查一次 ctx。
func (g *Gate) Do(ctx context.Context, task Task) error {
	if g.closed.Load() {
		return ErrClosed
	}
	g.submitted.Add(1)

	it := item{ctx: ctx, run: task, result: make(chan error, 1)}

	select {
	case g.queue <- it:
		g.ensureWorker()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-it.result:
		return err
	case <-ctx.Done():
		// worker 仍会消费这个条目,执行前的 ctx 检查让它立即作废
		return ctx.Err()
	}
}

func (g *Gate) ensureWorker() {
	for {
		current := g.workers.Load()
		if current >= int32(g.cfg.MaxConcurrent) {
			return
		}
		if g.workers.CompareAndSwap(current, current+1) {
			g.wg.Add(1)
			go g.worker()
			return
		}
	}
}

func (g *Gate) worker() {
	defer g.wg.Done()
	defer g.workers.Add(-1)

	timer := time.NewTimer(g.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case it, ok := <-g.queue:
			if !ok {
				return
			}

			g.active.Add(1)
			err := g.execute(it)
			g.active.Add(-1)

			it.result <- err
			if err != nil {
				g.failed.Add(1)
			} else {
				g.completed.Add(1)
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(g.cfg.IdleTimeout)

		case <-timer.C:
			return
		}
	}
}

// execute 跑一个任务。排队期间提交方已放弃的任务直接作废；panic 折叠
// 成错误，不能让一个登录流崩掉 worker。
func (g *Gate) execute(it item) (err error) {
	if ctxErr := it.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("workqueue: task panicked")
		}
	}()
	return it.run(it.ctx)
}

// Close 关闭闸门并等待 worker 退出。队列里未执行的任务以 ErrClosed 回应。
func (g *Gate) Close() {
	if g.closed.Swap(true) {
		return
	}
	close(g.queue)

	// 给排队中的提交方一个着陆错误
	for it := range g.queue {
		it.result <- ErrClosed
	}
	g.wg.Wait()
}

// Stats 返回闸门计数快照。
func (g *Gate) Stats() GateStats {
	return GateStats{
		Workers:   int(g.workers.Load()),
		Active:    int(g.active.Load()),
		Queued:    len(g.queue),
		Submitted: g.submitted.Load(),
		Completed: g.completed.Load(),
		Failed:    g.failed.Load(),
	}
}

// GateStats 闸门计数快照。
type GateStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
