// Package models defines the gateway's core domain entities (§3 of the
// spec this repo implements): Provider, Group, Membership, ApiKey,
// CallLog and its detail sidecar, ErrorKeyword and Setting.
package models

import "time"

// BillingMode is how a Provider's cost is derived.
type BillingMode string

const (
	BillingPerToken BillingMode = "per_token"
	BillingPerCall  BillingMode = "per_call"
)

// Provider is one configured upstream endpoint.
type Provider struct {
	ID                    int64       `json:"id"`
	Name                  string      `json:"name"`
	Endpoint              string      `json:"endpoint"`
	APIKey                string      `json:"api_key"`
	Model                 string      `json:"model"`
	PricePerMillionTokens *float64    `json:"price_per_million_tokens,omitempty"`
	InputPricePerMillion  *float64    `json:"input_price_per_million,omitempty"`
	OutputPricePerMillion *float64    `json:"output_price_per_million,omitempty"`
	Billing               BillingMode `json:"billing"`
	IsActive              bool        `json:"is_active"`
	TotalCalls            int64       `json:"total_calls"`
	SuccessfulCalls       int64       `json:"successful_calls"`
}

// Group is a named bucket of providers exposed to clients as a "model".
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Membership is the (provider, group) edge: priority tier + live-call count.
type Membership struct {
	ProviderID  int64 `json:"provider_id"`
	GroupID     int64 `json:"group_id"`
	Priority    int   `json:"priority"`
	ActiveCalls int64 `json:"active_calls"`
}

// Candidate bundles a Provider with the Membership the selector matched it on.
type Candidate struct {
	Provider   Provider
	Membership Membership
}

// ApiKey is a client credential authorized for a set of groups.
type ApiKey struct {
	ID         int64      `json:"id"`
	Key        string     `json:"key"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	GroupNames []string   `json:"group_names"`
}

// CallLog is one durable record per upstream attempt.
type CallLog struct {
	ID                int64      `json:"id"`
	ProviderID        *int64     `json:"provider_id,omitempty"`
	APIKeyID          *int64     `json:"api_key_id,omitempty"`
	RequestTimestamp  time.Time  `json:"request_timestamp"`
	ResponseTimestamp *time.Time `json:"response_timestamp,omitempty"`
	IsSuccess         bool       `json:"is_success"`
	StatusCode        int        `json:"status_code"`
	LatencyMS         int        `json:"latency_ms"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	PromptTokens      *int       `json:"prompt_tokens,omitempty"`
	CompletionTokens  *int       `json:"completion_tokens,omitempty"`
	TotalTokens       *int       `json:"total_tokens,omitempty"`
	Cost              *float64   `json:"cost,omitempty"`
}

// CallLogDetail is the bodies sidecar, sharing the CallLog's id.
type CallLogDetail struct {
	ID           int64  `json:"id"`
	RequestBody  string `json:"request_body"`
	ResponseBody string `json:"response_body"`
}

// ErrorKeyword is an operator-declared soft-failure substring.
type ErrorKeyword struct {
	ID            int64      `json:"id"`
	Keyword       string     `json:"keyword"`
	Description   string     `json:"description,omitempty"`
	IsActive      bool       `json:"is_active"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// Setting is a key-value configuration row.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FailoverSettingKeys are the recognized Setting keys from §3.
const (
	SettingFailoverThresholdCount  = "failover_threshold_count"
	SettingFailoverThresholdPeriod = "failover_threshold_period_minutes"
)
