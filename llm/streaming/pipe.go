package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/internal/bufpool"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/types"
)

// ErrStreamingUnsupported 表示底层 ResponseWriter 不支持 Flush。
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Pipe 把适配器 chunk 以 SSE 帧写给客户端：每个事件 `data: <json>\n\n`，
// 终止哨兵 `data: [DONE]\n\n`。
//
// 背压契约：每写一个事件立即 Flush，再去读下一个 chunk——管道里任何时刻
// 最多只有一个未送出的 chunk，慢客户端直接拖慢上游读取。
type Pipe struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *zap.Logger

	events  int
	started bool
}

// NewPipe 包装 ResponseWriter 并设置 SSE 响应头。必须在确认上游流
// 建立成功之后调用：一旦写出首个事件，就不能再降级为 JSON 错误响应。
func NewPipe(w http.ResponseWriter, logger *zap.Logger) (*Pipe, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	return &Pipe{w: w, flusher: flusher, logger: logger}, nil
}

// WriteEvent 序列化 v 并作为一个 SSE 数据事件写出，随后立即 Flush。
// 整帧在池化缓冲里拼好后一次写出，中间代理收到的是完整帧。
func (p *Pipe) WriteEvent(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}

	buf := bufpool.Frames.Get()
	defer bufpool.PutFrame(buf)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")

	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return err
	}
	p.flusher.Flush()
	p.started = true
	p.events++
	return nil
}

// WriteDone 写出终止哨兵。
func (p *Pipe) WriteDone() error {
	if _, err := p.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	p.flusher.Flush()
	p.started = true
	return nil
}

// Events 返回已写出的数据事件数（不含 [DONE]）。
func (p *Pipe) Events() int { return p.events }

// Started 报告是否已有字节写出。
func (p *Pipe) Started() bool { return p.started }

// Relay 把 source 上的 chunk 逐个转发到客户端，直到通道关闭或 ctx 结束。
//
//   - frame 把一个内容 chunk 映射成 OpenAI 线格式事件；返回 nil 表示跳过。
//   - fail 把终止错误映射成错误信封事件。
//
// 通道正常关闭时写 [DONE] 并返回 nil。错误 chunk 写出信封与 [DONE] 后
// 返回该错误。客户端断开（ctx 结束）时立即返回 ctx.Err()，上游读取循环
// 靠同一个 ctx 停下，不计为失败。
func (p *Pipe) Relay(ctx context.Context, source <-chan llm.StreamChunk, frame func(llm.StreamChunk) any, fail func(*types.Error) any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-source:
			if !ok {
				return p.WriteDone()
			}
			if chunk.Err != nil {
				if fail != nil {
					if err := p.WriteEvent(fail(chunk.Err)); err != nil {
						return err
					}
				}
				if err := p.WriteDone(); err != nil {
					return err
				}
				return chunk.Err
			}
			event := frame(chunk)
			if event == nil {
				continue
			}
			if err := p.WriteEvent(event); err != nil {
				p.logger.Debug("client write failed, aborting relay", zap.Error(err))
				return err
			}
		}
	}
}
