package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/internal/tlsutil"
)

// 2Captcha 风格接口：in.php 提交任务拿 id，res.php 轮询取结果。
const (
	defaultSolverBaseURL      = "https://2captcha.com"
	defaultSolverTimeout      = 120 * time.Second
	defaultSolverPollInterval = 5 * time.Second
	solverNotReady            = "CAPCHA_NOT_READY"
)

// SolverConfig configures the external challenge-solver integration.
type SolverConfig struct {
	// Service names the provider, e.g. "2captcha". Informational; every
	// supported service speaks the same in.php/res.php dialect.
	Service string `yaml:"service" json:"service"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	// BaseURL overrides the service endpoint (tests point it at a fake).
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Timeout bounds the poll loop. Default 120s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// PollInterval spaces result polls. Default 5s.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Challenge is one solvable unit handed to the service.
type Challenge struct {
	// Kind ∈ recaptcha | hcaptcha | turnstile.
	Kind    string
	SiteKey string
	PageURL string
}

// Solver submits challenges to an external solving service and polls for
// the token.
type Solver struct {
	cfg    SolverConfig
	client *http.Client
	logger *zap.Logger
}

// NewSolver creates a solver client.
func NewSolver(cfg SolverConfig, logger *zap.Logger) *Solver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSolverBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSolverTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSolverPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(30 * time.Second),
		logger: logger.With(zap.String("component", "captcha_solver")),
	}
}

// solverReply 服务返回 {"status":0|1,"request":"..."}。
type solverReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until the service produces a
// token or the budget runs out.
func (s *Solver) Solve(ctx context.Context, ch Challenge) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	taskID, err := s.submit(ctx, ch)
	if err != nil {
		return "", err
	}
	s.logger.Debug("challenge submitted to solver",
		zap.String("kind", ch.Kind),
		zap.String("task_id", taskID))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("solver timed out waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
		token, done, err := s.poll(ctx, taskID)
		if err != nil {
			return "", err
		}
		if done {
			s.logger.Debug("solver produced a token", zap.String("task_id", taskID))
			return token, nil
		}
	}
}

func (s *Solver) submit(ctx context.Context, ch Challenge) (string, error) {
	form := url.Values{}
	form.Set("key", s.cfg.APIKey)
	form.Set("json", "1")
	form.Set("pageurl", ch.PageURL)
	switch ch.Kind {
	case "recaptcha":
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", ch.SiteKey)
	case "hcaptcha":
		form.Set("method", "hcaptcha")
		form.Set("sitekey", ch.SiteKey)
	case "turnstile":
		form.Set("method", "turnstile")
		form.Set("sitekey", ch.SiteKey)
	default:
		return "", fmt.Errorf("unsupported challenge kind %q", ch.Kind)
	}

	reply, err := s.call(ctx, "/in.php", form)
	if err != nil {
		return "", fmt.Errorf("submit challenge: %w", err)
	}
	if reply.Status != 1 {
		return "", fmt.Errorf("solver rejected challenge: %s", reply.Request)
	}
	return reply.Request, nil
}

func (s *Solver) poll(ctx context.Context, taskID string) (token string, done bool, err error) {
	form := url.Values{}
	form.Set("key", s.cfg.APIKey)
	form.Set("action", "get")
	form.Set("id", taskID)
	form.Set("json", "1")

	reply, err := s.call(ctx, "/res.php", form)
	if err != nil {
		return "", false, fmt.Errorf("poll solver: %w", err)
	}
	if reply.Status == 1 {
		return reply.Request, true, nil
	}
	if reply.Request == solverNotReady {
		return "", false, nil
	}
	return "", false, fmt.Errorf("solver reported failure: %s", reply.Request)
}

func (s *Solver) call(ctx context.Context, path string, form url.Values) (*solverReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.cfg.BaseURL, "/")+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d", resp.StatusCode)
	}
	var reply solverReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode solver reply: %w", err)
	}
	return &reply, nil
}
