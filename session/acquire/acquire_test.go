package acquire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/providers/qwen"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

// signedJWT 造一个带 exp 的可解析 JWT。
func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "tester",
	})
	raw, err := token.SignedString([]byte("unit-test-key"))
	require.NoError(t, err)
	return raw
}

func newTestAcquirer(t *testing.T, page *browser.ScriptedPage, opts ...Option) (*Acquirer, *browser.ScriptedLauncher) {
	t.Helper()
	launcher := &browser.ScriptedLauncher{Page: page}
	a := New(launcher, Config{SessionTTL: time.Hour}, zap.NewNop(), opts...)
	return a, launcher
}

func TestAcquireGLMHappyPath(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute)
	token := signedJWT(t, exp)

	page := &browser.ScriptedPage{
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.z.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"acw_tc": "abc", "session": "s1"}, nil
		},
		LocalStorageFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"token": token}, nil
		},
	}
	a, launcher := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "op@example.com", Password: "hunter2"}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)

	assert.Equal(t, 1, launcher.Launches)
	assert.Equal(t, "glm", bundle.ProviderID)
	assert.Equal(t, token, bundle.BearerToken)
	assert.Equal(t, "abc", bundle.Cookies["acw_tc"])
	assert.WithinDuration(t, exp, bundle.ExpiresAt, 2*time.Second, "JWT exp 决定过期时间")

	// 表单按登录流程填写，页面最终被关闭。
	assert.Equal(t, "op@example.com", page.Filled[glmEmailSel])
	assert.Equal(t, "hunter2", page.Filled[glmPasswordSel])
	assert.Contains(t, page.Clicked, glmSubmitSel)
	assert.Equal(t, 1, page.CloseCalls)
}

func TestAcquireGLMTokenRetries(t *testing.T) {
	var reads atomic.Int32
	page := &browser.ScriptedPage{
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.z.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"session": "s1"}, nil
		},
		LocalStorageFunc: func(ctx context.Context) (map[string]string, error) {
			// 前两次为空，第三次 token 落地。
			if reads.Add(1) < 3 {
				return map[string]string{}, nil
			}
			return map[string]string{"token": "late-token"}, nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "late-token", bundle.BearerToken)
	assert.Equal(t, int32(3), reads.Load())
}

func TestAcquireGLMCookieOnlyFallback(t *testing.T) {
	page := &browser.ScriptedPage{
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.z.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"session": "s1"}, nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)
	assert.Empty(t, bundle.BearerToken, "JWT 提取失败退化为仅 Cookie")
	assert.NotEmpty(t, bundle.Cookies)
}

func TestAcquireCredentialsRejected(t *testing.T) {
	page := &browser.ScriptedPage{
		ExistsFunc: func(ctx context.Context, selector string) (bool, error) {
			return selector == glmRejectSel, nil
		},
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.z.ai/auth", nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "wrong"}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCredentialsRejected, types.GetErrorCode(err))
}

func TestAcquireBrowserLaunchFailed(t *testing.T) {
	launcher := &browser.ScriptedLauncher{Err: fmt.Errorf("no chrome binary")}
	a := New(launcher, Config{}, zap.NewNop())

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrBrowserLaunchFailed, types.GetErrorCode(err))
}

func TestAcquireNavigationTimeout(t *testing.T) {
	page := &browser.ScriptedPage{
		NavigateFunc: func(ctx context.Context, url string) error {
			return fmt.Errorf("page load: %w", context.DeadlineExceeded)
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNavigationTimeout, types.GetErrorCode(err))
}

func TestAcquireQwenHarvestExtras(t *testing.T) {
	page := &browser.ScriptedPage{
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.qwen.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"ssxmod_itna": "anti-bot-value", "x": "y"}, nil
		},
		LocalStorageFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"token": "qwen-raw-token"}, nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "qwen", Kind: pool.KindPassword, Email: "e", Password: "p"}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)

	// extra 存原始件；发送时才压缩。
	assert.Equal(t, "qwen-raw-token", bundle.Extra[qwen.ExtraRawToken])
	assert.Equal(t, "anti-bot-value", bundle.Extra[qwen.ExtraCookieValue])
	assert.Equal(t, "qwen-raw-token", bundle.BearerToken)
}

func TestAcquireQwenHarvestNeedsToken(t *testing.T) {
	page := &browser.ScriptedPage{
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.qwen.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"ssxmod_itna": "v"}, nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "c1", Provider: "qwen", Kind: pool.KindPassword, Email: "e", Password: "p"}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrHarvestFailed, types.GetErrorCode(err))
}

func TestTokenBundleQwenCompressedRoundTrip(t *testing.T) {
	// 运维导出的 Qwen token 通常已是压缩线格式。
	compressed, err := qwen.CompressCredential("raw-tok", "cookie-val")
	require.NoError(t, err)

	a, _ := newTestAcquirer(t, &browser.ScriptedPage{})
	cred := pool.Credential{ID: "t1", Provider: "qwen", Kind: pool.KindToken, Token: compressed}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)

	assert.Equal(t, "raw-tok", bundle.Extra[qwen.ExtraRawToken])
	assert.Equal(t, "cookie-val", bundle.Extra[qwen.ExtraCookieValue])
	assert.Equal(t, "raw-tok", bundle.BearerToken)
	assert.Equal(t, "cookie-val", bundle.Cookies[qwenCookieName])
}

func TestTokenBundleJWTExpiryClamp(t *testing.T) {
	a, _ := newTestAcquirer(t, &browser.ScriptedPage{})

	exp := time.Now().Add(10 * time.Minute)
	cred := pool.Credential{ID: "t1", Provider: "glm", Kind: pool.KindToken, Token: signedJWT(t, exp)}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)
	assert.WithinDuration(t, exp, bundle.ExpiresAt, 2*time.Second)

	// 已过期的 token 直接拒绝。
	stale := pool.Credential{ID: "t2", Provider: "glm", Kind: pool.KindToken, Token: signedJWT(t, time.Now().Add(-time.Minute))}
	_, err = a.Acquire(context.Background(), stale, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCredentialsRejected, types.GetErrorCode(err))
}

func TestAcquireKimiGuest(t *testing.T) {
	var reads atomic.Int32
	page := &browser.ScriptedPage{
		LocalStorageFunc: func(ctx context.Context) (map[string]string, error) {
			// 设备注册是异步的，第二次轮询 token 才出现。
			if reads.Add(1) < 2 {
				return map[string]string{}, nil
			}
			return map[string]string{
				"access_token":  "guest-token",
				"refresh_token": "guest-refresh",
			}, nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"kimi-device": "d1"}, nil
		},
	}
	a, _ := newTestAcquirer(t, page)

	cred := pool.Credential{ID: "guest-x", Provider: "kimi", Kind: pool.KindGuest}
	bundle, err := a.Acquire(context.Background(), cred, Hints{})
	require.NoError(t, err)

	assert.Equal(t, "guest-token", bundle.BearerToken)
	assert.Equal(t, "guest-refresh", bundle.Extra[ExtraRefreshToken])
	assert.Equal(t, []string{kimiHomeURL}, page.Navigated, "游客直接访问首页")
}

func TestAcquireGuestUnsupportedProvider(t *testing.T) {
	a, _ := newTestAcquirer(t, &browser.ScriptedPage{})
	cred := pool.Credential{ID: "guest-x", Provider: "glm", Kind: pool.KindGuest}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCredentialsRejected, types.GetErrorCode(err))
}

func TestExtractOnly(t *testing.T) {
	page := &browser.ScriptedPage{
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"session": "manual"}, nil
		},
		LocalStorageFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"token": "manual-token"}, nil
		},
	}
	a, launcher := newTestAcquirer(t, page)

	bundle, err := a.ExtractOnly(context.Background(), page, "glm")
	require.NoError(t, err)
	assert.Equal(t, "manual-token", bundle.BearerToken)
	assert.Equal(t, 0, launcher.Launches, "extract_only 不启动新浏览器")
	assert.Empty(t, page.Navigated, "extract_only 不驱动页面")
}

func TestAcquireGateSerializesBrowserLogins(t *testing.T) {
	var inFlight, peak atomic.Int32
	page := &browser.ScriptedPage{
		NavigateFunc: func(ctx context.Context, url string) error {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return nil
		},
		CurrentURLFunc: func(ctx context.Context) (string, error) {
			return "https://chat.z.ai/", nil
		},
		CookiesFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"session": "s1"}, nil
		},
	}
	launcher := &browser.ScriptedLauncher{Page: page}
	a := New(launcher, Config{SessionTTL: time.Hour, MaxConcurrent: 1}, zap.NewNop())
	defer a.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred := pool.Credential{ID: fmt.Sprintf("c%d", i), Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
			_, errs[i] = a.Acquire(context.Background(), cred, Hints{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "acquisition %d", i)
	}
	assert.Equal(t, int32(1), peak.Load(), "闸门内登录逐个进行")
	assert.Equal(t, 3, launcher.Launches)
}

func TestAcquireAfterCloseRejectsBrowserLogins(t *testing.T) {
	launcher := &browser.ScriptedLauncher{Page: &browser.ScriptedPage{}}
	a := New(launcher, Config{SessionTTL: time.Hour, MaxConcurrent: 2}, zap.NewNop())
	a.Close()

	cred := pool.Credential{ID: "c1", Provider: "glm", Kind: pool.KindPassword, Email: "e", Password: "p"}
	_, err := a.Acquire(context.Background(), cred, Hints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrBrowserLaunchFailed, types.GetErrorCode(err))
	assert.Equal(t, 0, launcher.Launches)

	// 静态 token 不过闸门，关闭后照常可用。
	tok := pool.Credential{ID: "t1", Provider: "glm", Kind: pool.KindToken, Token: "static"}
	bundle, err := a.Acquire(context.Background(), tok, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "static", bundle.BearerToken)
}
