package store

import (
	"context"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/models"
)

// MockStore is an in-memory Store, adapted from the teacher's map-backed
// MockTenantStore/MockModelStore family to the full relational interface.
type MockStore struct {
	mu sync.Mutex

	nextProviderID int64
	nextGroupID    int64
	nextKeyID      int64
	nextLogID      int64
	nextKeywordID  int64

	providers    map[int64]models.Provider
	groups       map[int64]models.Group
	memberships  map[[2]int64]models.Membership
	apiKeys      map[int64]models.ApiKey
	apiKeyGroups map[int64][]string
	callLogs     map[int64]models.CallLog
	callDetails  map[int64]models.CallLogDetail
	keywords     map[int64]models.ErrorKeyword
	settings     map[string]string

	// Err, when set, is returned by every method — for exercising failure paths.
	Err error
}

func NewMockStore() *MockStore {
	return &MockStore{
		providers:    make(map[int64]models.Provider),
		groups:       make(map[int64]models.Group),
		memberships:  make(map[[2]int64]models.Membership),
		apiKeys:      make(map[int64]models.ApiKey),
		apiKeyGroups: make(map[int64][]string),
		callLogs:     make(map[int64]models.CallLog),
		callDetails:  make(map[int64]models.CallLogDetail),
		keywords:     make(map[int64]models.ErrorKeyword),
		settings:     make(map[string]string),
	}
}

func (m *MockStore) Close() {}

func (m *MockStore) CreateProvider(ctx context.Context, p *models.Provider) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextProviderID++
	p.ID = m.nextProviderID
	m.providers[p.ID] = *p
	return nil
}

func (m *MockStore) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	if m.Err != nil {
		return models.Provider{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return models.Provider{}, ErrNotFound
	}
	return p, nil
}

func (m *MockStore) ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Provider
	for _, p := range m.providers {
		if f.GroupID != nil {
			if _, ok := m.memberships[[2]int64{p.ID, *f.GroupID}]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MockStore) UpdateProvider(ctx context.Context, p *models.Provider) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.ID]; !ok {
		return ErrNotFound
	}
	m.providers[p.ID] = *p
	return nil
}

func (m *MockStore) DeactivateProvider(ctx context.Context, id int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = false
	m.providers[id] = p
	return nil
}

func (m *MockStore) DeleteProvidersByKey(ctx context.Context, apiKeyID int64) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return 0, nil
}

func (m *MockStore) RecordProviderOutcome(ctx context.Context, id int64, success bool) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.TotalCalls++
	if success {
		p.SuccessfulCalls++
	}
	m.providers[id] = p
	return nil
}

func (m *MockStore) CreateGroup(ctx context.Context, g *models.Group) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroupID++
	g.ID = m.nextGroupID
	m.groups[g.ID] = *g
	return nil
}

func (m *MockStore) GetGroupByName(ctx context.Context, name string) (models.Group, error) {
	if m.Err != nil {
		return models.Group{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Name == name {
			return g, nil
		}
	}
	return models.Group{}, ErrNotFound
}

func (m *MockStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Group
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out, nil
}

func (m *MockStore) DeleteGroup(ctx context.Context, id int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

func (m *MockStore) AddProviderToGroup(ctx context.Context, providerID, groupID int64, priority int) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{providerID, groupID}
	existing, ok := m.memberships[k]
	active := int64(0)
	if ok {
		active = existing.ActiveCalls
	}
	m.memberships[k] = models.Membership{ProviderID: providerID, GroupID: groupID, Priority: priority, ActiveCalls: active}
	return nil
}

func (m *MockStore) RemoveProviderFromGroup(ctx context.Context, providerID, groupID int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{providerID, groupID}
	if _, ok := m.memberships[k]; !ok {
		return ErrNotFound
	}
	delete(m.memberships, k)
	return nil
}

func (m *MockStore) CandidatesForGroup(ctx context.Context, groupID int64) ([]models.Candidate, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Candidate
	for k, mem := range m.memberships {
		if k[1] != groupID {
			continue
		}
		p, ok := m.providers[k[0]]
		if !ok || !p.IsActive {
			continue
		}
		out = append(out, models.Candidate{Provider: p, Membership: mem})
	}
	return out, nil
}

func (m *MockStore) IncrementActiveCalls(ctx context.Context, providerID, groupID int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{providerID, groupID}
	mem, ok := m.memberships[k]
	if !ok {
		return ErrNotFound
	}
	mem.ActiveCalls++
	m.memberships[k] = mem
	return nil
}

func (m *MockStore) DecrementActiveCalls(ctx context.Context, providerID, groupID int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{providerID, groupID}
	mem, ok := m.memberships[k]
	if !ok {
		return ErrNotFound
	}
	if mem.ActiveCalls > 0 {
		mem.ActiveCalls--
	}
	m.memberships[k] = mem
	return nil
}

func (m *MockStore) ResetAllActiveCalls(ctx context.Context) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, mem := range m.memberships {
		mem.ActiveCalls = 0
		m.memberships[k] = mem
	}
	return nil
}

func (m *MockStore) ConcurrencyStatus(ctx context.Context) ([]models.Membership, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Membership
	for _, mem := range m.memberships {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MockStore) CreateApiKey(ctx context.Context, groupNames []string) (models.ApiKey, error) {
	if m.Err != nil {
		return models.ApiKey{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeyID++
	k := models.ApiKey{ID: m.nextKeyID, Key: generateApiKey(), IsActive: true, CreatedAt: time.Now(), GroupNames: groupNames}
	m.apiKeys[k.ID] = k
	return k, nil
}

func (m *MockStore) GetApiKeyByKey(ctx context.Context, key string) (models.ApiKey, error) {
	if m.Err != nil {
		return models.ApiKey{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.Key == key {
			return k, nil
		}
	}
	return models.ApiKey{}, ErrNotFound
}

func (m *MockStore) TouchApiKeyLastUsed(ctx context.Context, id int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	k.LastUsedAt = &now
	m.apiKeys[id] = k
	return nil
}

func (m *MockStore) DeactivateApiKey(ctx context.Context, id int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.IsActive = false
	m.apiKeys[id] = k
	return nil
}

func (m *MockStore) ListApiKeys(ctx context.Context) ([]models.ApiKey, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApiKey
	for _, k := range m.apiKeys {
		out = append(out, k)
	}
	return out, nil
}

func (m *MockStore) CreateCallLog(ctx context.Context, log *models.CallLog, detail *models.CallLogDetail) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	log.ID = m.nextLogID
	m.callLogs[log.ID] = *log
	if detail != nil {
		detail.ID = log.ID
		m.callDetails[log.ID] = *detail
	}
	return log.ID, nil
}

func (m *MockStore) ListCallLogs(ctx context.Context, f CallLogFilter) ([]models.CallLog, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CallLog
	for _, l := range m.callLogs {
		if f.ProviderID != nil && (l.ProviderID == nil || *l.ProviderID != *f.ProviderID) {
			continue
		}
		if f.APIKeyID != nil && (l.APIKeyID == nil || *l.APIKeyID != *f.APIKeyID) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *MockStore) GetCallLogDetail(ctx context.Context, id int64) (models.CallLogDetail, error) {
	if m.Err != nil {
		return models.CallLogDetail{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.callDetails[id]
	if !ok {
		return models.CallLogDetail{}, ErrNotFound
	}
	return d, nil
}

func (m *MockStore) ListActiveErrorKeywords(ctx context.Context) ([]models.ErrorKeyword, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ErrorKeyword
	for _, k := range m.keywords {
		if k.IsActive {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MockStore) CreateErrorKeyword(ctx context.Context, kw *models.ErrorKeyword) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeywordID++
	kw.ID = m.nextKeywordID
	m.keywords[kw.ID] = *kw
	return nil
}

func (m *MockStore) MarkErrorKeywordTriggered(ctx context.Context, id int64, at time.Time) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kw, ok := m.keywords[id]
	if !ok {
		return ErrNotFound
	}
	kw.LastTriggered = &at
	m.keywords[id] = kw
	return nil
}

func (m *MockStore) DeleteErrorKeyword(ctx context.Context, id int64) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keywords[id]; !ok {
		return ErrNotFound
	}
	delete(m.keywords, id)
	return nil
}

func (m *MockStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if m.Err != nil {
		return "", false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MockStore) CountRecentFailures(ctx context.Context, providerID int64, window time.Duration) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-window)
	for _, l := range m.callLogs {
		if l.ProviderID != nil && *l.ProviderID == providerID && !l.IsSuccess && l.RequestTimestamp.After(cutoff) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MockStore)(nil)
var _ FailureCounter = (*MockStore)(nil)
