package providers

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/sessionflow/types"
)

// defaultIdleTimeout is how long a stream may go silent before the reader
// declares it stalled. Upstream consumer endpoints occasionally hang
// without closing the connection.
const defaultIdleTimeout = 60 * time.Second

// EventReader 逐行读取 text/event-stream：剥掉 "data:" 前缀、跳过注释与
// 空行、识别 [DONE] 哨兵，并用读空闲看门狗兜底挂死的连接。
type EventReader struct {
	scanner *bufio.Scanner
	timed   *timedReader
	done    bool
}

// NewEventReader wraps an upstream response body. Lines up to 1MB are
// accepted; some providers ship whole base64 images in one event.
func NewEventReader(r io.Reader) *EventReader {
	tr := &timedReader{r: r, timeout: defaultIdleTimeout}
	sc := bufio.NewScanner(tr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventReader{scanner: sc, timed: tr}
}

// WithIdleTimeout overrides the stall watchdog, mainly for tests.
func (r *EventReader) WithIdleTimeout(d time.Duration) *EventReader {
	if d > 0 {
		r.timed.timeout = d
	}
	return r
}

// Next returns the payload of the next data event. It returns io.EOF after
// the [DONE] sentinel or when the upstream closes the stream, and a typed
// UpstreamTimeout error when the stream stalls past the idle window.
func (r *EventReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			// event:/id:/retry: fields carry nothing we consume.
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			r.done = true
			return nil, io.EOF
		}
		if data == "" {
			continue
		}
		return []byte(data), nil
	}
	r.done = true
	if err := r.scanner.Err(); err != nil {
		if err == errStreamIdle {
			return nil, types.NewError(types.ErrUpstreamTimeout,
				"upstream stream stalled: no data within idle window").
				WithHTTPStatus(http.StatusGatewayTimeout)
		}
		return nil, types.NewError(types.ErrUpstreamUnavailable, "upstream stream read failed").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	return nil, io.EOF
}

var errStreamIdle = errors.New("stream read idle timeout")

// StreamError coerces a reader failure into a typed stream error carrying
// the provider id.
func StreamError(err error, provider string) *types.Error {
	if te := types.AsError(err); te != nil {
		if te.Provider == "" {
			te.Provider = provider
		}
		return te
	}
	return types.NewError(types.ErrUpstreamUnavailable, "upstream stream read failed").
		WithCause(err).WithProvider(provider).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
}

// timedReader applies a per-Read deadline so a silent upstream cannot pin
// the goroutine forever. The pending Read keeps running until the body is
// closed; the extra goroutine is reclaimed then.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errStreamIdle
	}
}

// DeltaTracker 把“每块都带全量文本”的累积式方言转成增量。
// 已经是增量的方言不需要它。
type DeltaTracker struct {
	prev string
}

// Delta returns what the given snapshot adds over the previous one. When
// the upstream rewrites instead of appending, the full new text is
// returned and tracking restarts from it.
func (d *DeltaTracker) Delta(text string) string {
	if strings.HasPrefix(text, d.prev) {
		out := text[len(d.prev):]
		d.prev = text
		return out
	}
	d.prev = text
	return text
}

// Total returns the accumulated text seen so far.
func (d *DeltaTracker) Total() string { return d.prev }

// Reset clears tracking; cumulative dialects that restart their text on a
// phase switch need one tracker per phase or a reset in between.
func (d *DeltaTracker) Reset() { d.prev = "" }
