package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/internal/channel"
	"github.com/BaSui01/sessionflow/internal/database"
	"github.com/BaSui01/sessionflow/internal/metrics"
)

// =============================================================================
// 📋 审计记录模型
// =============================================================================

// RequestLog 一条入站请求的审计记录，对应 request_logs 表。
// 令牌数出自适配器的用量合成，时延以毫秒落库便于直接聚合。
type RequestLog struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RequestID        string    `gorm:"column:request_id;size:64" json:"request_id"`
	Method           string    `gorm:"column:method;size:16" json:"method"`
	Path             string    `gorm:"column:path;size:128" json:"path"`
	Model            string    `gorm:"column:model;size:128" json:"model"`
	Provider         string    `gorm:"column:provider;size:32" json:"provider"`
	CredentialID     string    `gorm:"column:credential_id;size:64" json:"credential_id"`
	Stream           bool      `gorm:"column:stream" json:"stream"`
	StatusCode       int       `gorm:"column:status_code" json:"status_code"`
	ErrorCode        string    `gorm:"column:error_code;size:64" json:"error_code"`
	PromptTokens     int       `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"column:completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `gorm:"column:total_tokens" json:"total_tokens"`
	DurationMs       int64     `gorm:"column:duration_ms" json:"duration_ms"`
	ClientIP         string    `gorm:"column:client_ip;size:64" json:"client_ip"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名,与 internal/migration 内嵌的 SQL 保持一致。
func (RequestLog) TableName() string {
	return "request_logs"
}

// =============================================================================
// ⚙️ 配置
// =============================================================================

// RecorderConfig 审计写入器配置
type RecorderConfig struct {
	// 内存缓冲初始容量,写满后新记录直接丢弃(网关不因审计库阻塞)。
	// 缓冲按拒绝率自整定,突发时最多扩到这个值的八倍。
	BufferSize int

	// 单次批量写入的最大行数
	BatchSize int

	// 不满一批时的兜底落库间隔
	FlushInterval time.Duration

	// 连接池指标上报间隔
	StatsInterval time.Duration
}

// DefaultRecorderConfig 返回默认审计写入器配置
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    1024,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
		StatsInterval: 15 * time.Second,
	}
}

func (c RecorderConfig) normalized() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	return c
}

// =============================================================================
// 🖊️ 异步审计写入器
// =============================================================================

// Recorder 把审计记录异步批量写入数据库。Record 永不阻塞:缓冲写满时
// 丢弃并计数,保证审计库故障不拖垮请求路径。
type Recorder struct {
	pool      *database.PoolManager
	collector *metrics.Collector
	logger    *zap.Logger
	config    RecorderConfig

	entries *channel.Queue[RequestLog]
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder 创建并启动审计写入器。collector 可为 nil(不上报指标)。
func NewRecorder(pool *database.PoolManager, collector *metrics.Collector, logger *zap.Logger, config RecorderConfig) *Recorder {
	config = config.normalized()

	r := &Recorder{
		pool:      pool,
		collector: collector,
		logger:    logger.With(zap.String("component", "audit")),
		config:    config,
		entries: channel.New[RequestLog](channel.Config{
			Initial: config.BufferSize,
			Min:     config.BufferSize,
			Max:     config.BufferSize * 8,
			Window:  5 * config.FlushInterval,
		}),
		done: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.writeLoop()

	if collector != nil {
		r.wg.Add(1)
		go r.statsLoop()
	}

	return r
}

// Record 提交一条审计记录。缓冲写满或写入器已关闭时直接丢弃。
func (r *Recorder) Record(rec RequestLog) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if !r.entries.TryPush(rec) {
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("audit buffer full, dropping records",
				zap.Int("buffer_cap", r.entries.Cap()))
		}
	}
}

// Dropped 返回累计丢弃的记录数
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written 返回累计落库的记录数
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close 停止后台循环并把缓冲内剩余记录落库。不关闭底层连接池。
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

// =============================================================================
// 🔄 后台循环
// =============================================================================

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, r.config.BatchSize)

	for {
		// 缓冲扩缩容会换底层 channel，每轮重新取接收端。
		select {
		case rec := <-r.entries.Chan():
			batch = append(batch, rec)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
			r.entries.Tune()

		case <-r.done:
			// 排空缓冲后退出
			for {
				rec, ok := r.entries.TryPop()
				if !ok {
					break
				}
				batch = append(batch, rec)
				if len(batch) >= r.config.BatchSize {
					r.flush(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

// flush 批量落库一组记录。失败只记日志,记录随之丢弃。
func (r *Recorder) flush(batch []RequestLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := r.pool.DB().WithContext(ctx).Create(&batch).Error
	elapsed := time.Since(start)

	if r.collector != nil {
		r.collector.RecordDBQuery("audit", "insert", elapsed)
	}

	if err != nil {
		r.dropped.Add(uint64(len(batch)))
		r.logger.Error("audit batch write failed",
			zap.Int("batch_size", len(batch)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}

	r.written.Add(uint64(len(batch)))
	r.logger.Debug("audit batch written",
		zap.Int("batch_size", len(batch)),
		zap.Duration("elapsed", elapsed))
}

func (r *Recorder) statsLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			stats := r.pool.GetStats()
			r.collector.RecordDBConnections("audit", stats.OpenConnections, stats.Idle)
		}
	}
}
