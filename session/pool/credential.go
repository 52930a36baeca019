package pool

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies how a credential authenticates.
type Kind string

const (
	// KindPassword logs in through the provider's browser login flow.
	KindPassword Kind = "password"
	// KindToken is an operator-supplied bearer token used as-is.
	KindToken Kind = "token"
	// KindGuest is an anonymous session, synthesized when a provider
	// permits guest access and no configured credential is active.
	KindGuest Kind = "guest"
)

// State is a credential's position in the health state machine.
type State string

const (
	StateActive   State = "active"
	StateCooldown State = "cooldown"
	StateDisabled State = "disabled"
)

// Outcome is what a caller reports after using a checked-out credential.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeAuthFailure      Outcome = "auth_failure"
)

// Credential is the configured material for one upstream account.
// 密码与令牌字段在日志与 JSON 序列化中一律脱敏。
type Credential struct {
	ID       string `yaml:"id" json:"id"`
	Provider string `yaml:"provider" json:"provider"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Label    string `yaml:"label" json:"label"`
	Email    string `yaml:"email" json:"email,omitempty"`
	Password string `yaml:"password" json:"-"`
	Token    string `yaml:"token" json:"-"`
	Priority int    `yaml:"priority" json:"priority"`
}

// String renders the credential with secret material masked.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{id:%s provider:%s kind:%s priority:%d password:%s token:%s}",
		c.ID, c.Provider, c.Kind, c.Priority, maskPresence(c.Password), maskPresence(c.Token))
}

// MarshalJSON masks password and token values while keeping their presence
// visible for diagnostics.
func (c Credential) MarshalJSON() ([]byte, error) {
	type view struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
		Kind     Kind   `json:"kind"`
		Label    string `json:"label,omitempty"`
		Email    string `json:"email,omitempty"`
		Password string `json:"password,omitempty"`
		Token    string `json:"token,omitempty"`
		Priority int    `json:"priority"`
	}
	return json.Marshal(view{
		ID:       c.ID,
		Provider: c.Provider,
		Kind:     c.Kind,
		Label:    c.Label,
		Email:    c.Email,
		Password: maskPresence(c.Password),
		Token:    maskPresence(c.Token),
		Priority: c.Priority,
	})
}

func maskPresence(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// Handle is a weak reference to a checked-out credential. Callers must
// return it through Report so the pool can update health state.
type Handle struct {
	Credential
	// Ephemeral marks a synthesized guest credential; on auth failure it
	// is discarded outright instead of cooled down.
	Ephemeral bool
}

// CredentialStats is a read-only health snapshot for one credential.
type CredentialStats struct {
	ID             string    `json:"id"`
	Label          string    `json:"label,omitempty"`
	Kind           Kind      `json:"kind"`
	State          State     `json:"state"`
	Priority       int       `json:"priority"`
	FailureStreak  int       `json:"failure_streak"`
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	LastSuccessAt  time.Time `json:"last_success_at,omitzero"`
	LastFailureAt  time.Time `json:"last_failure_at,omitzero"`
}
