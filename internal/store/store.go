// Package store is the persistence port: every other package depends on
// this interface, never on a concrete driver, following the teacher's
// interface-per-concern split (TenantStore/ModelStore/UsageStore/RateLimitStore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaygate/gateway/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ProviderFilter narrows Providers listing by group membership.
type ProviderFilter struct {
	GroupID *int64
}

// CallLogFilter narrows ListCallLogs; list results never include bodies,
// grounded on app/crud.py's get_call_logs load_only() projection.
type CallLogFilter struct {
	ProviderID *int64
	APIKeyID   *int64
	Since      *time.Time
	Limit      int
	Offset     int
}

// Store is the full persistence port for the gateway's relational model.
type Store interface {
	// Providers
	CreateProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id int64) (models.Provider, error)
	ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error)
	UpdateProvider(ctx context.Context, p *models.Provider) error
	DeactivateProvider(ctx context.Context, id int64) error
	DeleteProvidersByKey(ctx context.Context, apiKeyID int64) (int, error)
	RecordProviderOutcome(ctx context.Context, id int64, success bool) error

	// Groups
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroupByName(ctx context.Context, name string) (models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	DeleteGroup(ctx context.Context, id int64) error

	// Memberships — AddProviderToGroup is an upsert that preserves ActiveCalls.
	AddProviderToGroup(ctx context.Context, providerID, groupID int64, priority int) error
	RemoveProviderFromGroup(ctx context.Context, providerID, groupID int64) error
	CandidatesForGroup(ctx context.Context, groupID int64) ([]models.Candidate, error)

	// Concurrency accounting (§4.4 / P1 / P8)
	IncrementActiveCalls(ctx context.Context, providerID, groupID int64) error
	DecrementActiveCalls(ctx context.Context, providerID, groupID int64) error
	ResetAllActiveCalls(ctx context.Context) error
	ConcurrencyStatus(ctx context.Context) ([]models.Membership, error)

	// API keys
	CreateApiKey(ctx context.Context, groupNames []string) (models.ApiKey, error)
	GetApiKeyByKey(ctx context.Context, key string) (models.ApiKey, error)
	TouchApiKeyLastUsed(ctx context.Context, id int64) error
	DeactivateApiKey(ctx context.Context, id int64) error
	ListApiKeys(ctx context.Context) ([]models.ApiKey, error)

	// Call logs
	CreateCallLog(ctx context.Context, log *models.CallLog, detail *models.CallLogDetail) (int64, error)
	ListCallLogs(ctx context.Context, f CallLogFilter) ([]models.CallLog, error)
	GetCallLogDetail(ctx context.Context, id int64) (models.CallLogDetail, error)

	// Error keywords (soft-failure sentinel list, §4.3 / C4)
	ListActiveErrorKeywords(ctx context.Context) ([]models.ErrorKeyword, error)
	CreateErrorKeyword(ctx context.Context, kw *models.ErrorKeyword) error
	MarkErrorKeywordTriggered(ctx context.Context, id int64, at time.Time) error
	DeleteErrorKeyword(ctx context.Context, id int64) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close()
}

// CountRecentFailures counts CallLog rows for a provider, not-success, within
// the last `window`. Used by the optional (N,T) health filter (§4.5).
type FailureCounter interface {
	CountRecentFailures(ctx context.Context, providerID int64, window time.Duration) (int, error)
}
