package acquire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFakeSolverService(t *testing.T, handler http.HandlerFunc) *Solver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSolver(SolverConfig{
		APIKey:       "key-1",
		BaseURL:      srv.URL,
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
	}, zap.NewNop())
}

func TestSolverPollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	s := newFakeSolverService(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/in.php":
			assert.Equal(t, "key-1", r.Form.Get("key"))
			assert.Equal(t, "turnstile", r.Form.Get("method"))
			w.Write([]byte(`{"status":1,"request":"42"}`))
		case "/res.php":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
				return
			}
			w.Write([]byte(`{"status":1,"request":"the-token"}`))
		}
	})

	token, err := s.Solve(context.Background(), Challenge{
		Kind: "turnstile", SiteKey: "sk", PageURL: "https://example.com/login",
	})
	require.NoError(t, err)
	assert.Equal(t, "the-token", token)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestSolverRejectsSubmission(t *testing.T) {
	s := newFakeSolverService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
	})

	_, err := s.Solve(context.Background(), Challenge{Kind: "recaptcha", SiteKey: "sk", PageURL: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestSolverTimesOut(t *testing.T) {
	s := newFakeSolverService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			w.Write([]byte(`{"status":1,"request":"42"}`))
			return
		}
		w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
	})
	s.cfg.Timeout = 60 * time.Millisecond

	_, err := s.Solve(context.Background(), Challenge{Kind: "hcaptcha", SiteKey: "sk", PageURL: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSolverUnsupportedKind(t *testing.T) {
	s := NewSolver(SolverConfig{APIKey: "k"}, zap.NewNop())
	_, err := s.Solve(context.Background(), Challenge{Kind: "funcaptcha"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported challenge kind")
}
