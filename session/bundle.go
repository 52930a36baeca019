// Package session persists the browser-derived authentication state the
// gateway holds for each upstream provider: cookies, bearer tokens, and
// provider-specific extras, with TTL, at-rest encryption, and singleflight
// acquisition.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Bundle is the unit of cached authentication for one provider. It is
// created by the acquirer, read by provider adapters, and owned on disk by
// the Store. In-memory copies handed to adapters are read-only.
type Bundle struct {
	ProviderID  string            `json:"provider_id"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Valid reports whether the bundle expiry is strictly in the future.
func (b *Bundle) Valid(now time.Time) bool {
	if b == nil {
		return false
	}
	return b.ExpiresAt.After(now)
}

// TTL returns the remaining lifetime, zero when already expired.
func (b *Bundle) TTL(now time.Time) time.Duration {
	d := b.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CookieHeader renders the cookies as a Cookie header value with a
// deterministic name order.
func (b *Bundle) CookieHeader() string {
	if len(b.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(b.Cookies))
	for name := range b.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+b.Cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	out := *b
	if b.Cookies != nil {
		out.Cookies = make(map[string]string, len(b.Cookies))
		for k, v := range b.Cookies {
			out.Cookies[k] = v
		}
	}
	if b.Extra != nil {
		out.Extra = make(map[string]string, len(b.Extra))
		for k, v := range b.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// String renders a redacted summary. Cookie and token values never appear
// in formatted output; only counts and presence markers do.
func (b *Bundle) String() string {
	if b == nil {
		return "Bundle<nil>"
	}
	token := "none"
	if b.BearerToken != "" {
		token = "***"
	}
	return fmt.Sprintf("Bundle{provider:%s cookies:%d token:%s extra:%d expires:%s}",
		b.ProviderID, len(b.Cookies), token, len(b.Extra),
		b.ExpiresAt.UTC().Format(time.RFC3339))
}

// MarshalJSON masks secret values so bundles cannot leak through structured
// logging. The Store bypasses this via its own persistence codec.
func (b Bundle) MarshalJSON() ([]byte, error) {
	type masked struct {
		ProviderID  string            `json:"provider_id"`
		Cookies     map[string]string `json:"cookies,omitempty"`
		BearerToken string            `json:"bearer_token,omitempty"`
		Extra       map[string]string `json:"extra,omitempty"`
		CreatedAt   int64             `json:"created_at"`
		ExpiresAt   int64             `json:"expires_at"`
	}
	out := masked{
		ProviderID: b.ProviderID,
		CreatedAt:  unixOrZero(b.CreatedAt),
		ExpiresAt:  unixOrZero(b.ExpiresAt),
	}
	if b.BearerToken != "" {
		out.BearerToken = "***"
	}
	if len(b.Cookies) > 0 {
		out.Cookies = make(map[string]string, len(b.Cookies))
		for k := range b.Cookies {
			out.Cookies[k] = "***"
		}
	}
	if len(b.Extra) > 0 {
		out.Extra = make(map[string]string, len(b.Extra))
		for k := range b.Extra {
			out.Extra[k] = "***"
		}
	}
	return json.Marshal(out)
}

// bundleRecord is the persisted wire form: unix seconds on disk and in the
// mirror. It also keeps MarshalJSON masking on Bundle out of storage
// round-trips.
type bundleRecord struct {
	ProviderID  string            `json:"provider_id"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	ExpiresAt   int64             `json:"expires_at"`
}

func recordFromBundle(b *Bundle) bundleRecord {
	return bundleRecord{
		ProviderID:  b.ProviderID,
		Cookies:     b.Cookies,
		BearerToken: b.BearerToken,
		Extra:       b.Extra,
		CreatedAt:   unixOrZero(b.CreatedAt),
		ExpiresAt:   unixOrZero(b.ExpiresAt),
	}
}

func (r bundleRecord) toBundle() *Bundle {
	return &Bundle{
		ProviderID:  r.ProviderID,
		Cookies:     r.Cookies,
		BearerToken: r.BearerToken,
		Extra:       r.Extra,
		CreatedAt:   timeFromUnix(r.CreatedAt),
		ExpiresAt:   timeFromUnix(r.ExpiresAt),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
