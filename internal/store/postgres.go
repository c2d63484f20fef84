package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygate/gateway/internal/models"
)

// PostgresStore is the primary relational implementation of Store,
// grounded on the original SQLAlchemy schema (app/models.py) and adapted
// to pgx/v5's pool + explicit-SQL style in place of an ORM.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against databaseURL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
var _ FailureCounter = (*PostgresStore)(nil)

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateProvider(ctx context.Context, p *models.Provider) error {
	const q = `
		INSERT INTO providers
			(name, endpoint, api_key, model, price_per_million_tokens,
			 input_price_per_million, output_price_per_million, billing, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`
	return wrapNotFound(s.pool.QueryRow(ctx, q,
		p.Name, p.Endpoint, p.APIKey, p.Model, p.PricePerMillionTokens,
		p.InputPricePerMillion, p.OutputPricePerMillion, p.Billing, p.IsActive,
	).Scan(&p.ID))
}

func (s *PostgresStore) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	const q = `
		SELECT id, name, endpoint, api_key, model, price_per_million_tokens,
		       input_price_per_million, output_price_per_million, billing,
		       is_active, total_calls, successful_calls
		FROM providers WHERE id = $1`
	var p models.Provider
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&p.ID, &p.Name, &p.Endpoint, &p.APIKey, &p.Model, &p.PricePerMillionTokens,
		&p.InputPricePerMillion, &p.OutputPricePerMillion, &p.Billing,
		&p.IsActive, &p.TotalCalls, &p.SuccessfulCalls,
	)
	return p, wrapNotFound(err)
}

func (s *PostgresStore) ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error) {
	q := `
		SELECT DISTINCT p.id, p.name, p.endpoint, p.api_key, p.model, p.price_per_million_tokens,
		       p.input_price_per_million, p.output_price_per_million, p.billing,
		       p.is_active, p.total_calls, p.successful_calls
		FROM providers p`
	args := []any{}
	if f.GroupID != nil {
		q += ` JOIN provider_group_memberships m ON m.provider_id = p.id WHERE m.group_id = $1`
		args = append(args, *f.GroupID)
	}
	q += ` ORDER BY p.id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Provider
	for rows.Next() {
		var p models.Provider
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Endpoint, &p.APIKey, &p.Model, &p.PricePerMillionTokens,
			&p.InputPricePerMillion, &p.OutputPricePerMillion, &p.Billing,
			&p.IsActive, &p.TotalCalls, &p.SuccessfulCalls,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProvider(ctx context.Context, p *models.Provider) error {
	const q = `
		UPDATE providers SET
			name = $2, endpoint = $3, api_key = $4, model = $5,
			price_per_million_tokens = $6, input_price_per_million = $7,
			output_price_per_million = $8, billing = $9, is_active = $10
		WHERE id = $1`
	ct, err := s.pool.Exec(ctx, q, p.ID, p.Name, p.Endpoint, p.APIKey, p.Model,
		p.PricePerMillionTokens, p.InputPricePerMillion, p.OutputPricePerMillion,
		p.Billing, p.IsActive)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateProvider(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE providers SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProvidersByKey cascades provider deletion for every provider owned
// by apiKeyID, mirroring delete_providers_by_key's explicit pre-deletion of
// dependent call_logs and memberships before removing the provider rows.
func (s *PostgresStore) DeleteProvidersByKey(ctx context.Context, apiKeyID int64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM providers WHERE owner_api_key_id = $1`, apiKeyID)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_logs WHERE provider_id = ANY($1)`, ids); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM provider_group_memberships WHERE provider_id = ANY($1)`, ids); err != nil {
		return 0, err
	}
	ct, err := tx.Exec(ctx, `DELETE FROM providers WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), tx.Commit(ctx)
}

func (s *PostgresStore) RecordProviderOutcome(ctx context.Context, id int64, success bool) error {
	q := `UPDATE providers SET total_calls = total_calls + 1`
	if success {
		q += `, successful_calls = successful_calls + 1`
	}
	q += ` WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id)
	return err
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g *models.Group) error {
	const q = `INSERT INTO groups (name) VALUES ($1) RETURNING id`
	return wrapNotFound(s.pool.QueryRow(ctx, q, g.Name).Scan(&g.ID))
}

func (s *PostgresStore) GetGroupByName(ctx context.Context, name string) (models.Group, error) {
	const q = `SELECT id, name FROM groups WHERE name = $1`
	var g models.Group
	err := s.pool.QueryRow(ctx, q, name).Scan(&g.ID, &g.Name)
	return g, wrapNotFound(err)
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddProviderToGroup upserts the membership edge. ON CONFLICT updates only
// priority, leaving active_calls untouched — grounded on crud.py's
// insert(...).on_conflict_do_update(set_=dict(priority=priority)), the
// invariant behind P-keeping in-flight counts stable across re-tiering.
func (s *PostgresStore) AddProviderToGroup(ctx context.Context, providerID, groupID int64, priority int) error {
	const q = `
		INSERT INTO provider_group_memberships (provider_id, group_id, priority, active_calls)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (provider_id, group_id) DO UPDATE SET priority = EXCLUDED.priority`
	_, err := s.pool.Exec(ctx, q, providerID, groupID, priority)
	return err
}

func (s *PostgresStore) RemoveProviderFromGroup(ctx context.Context, providerID, groupID int64) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM provider_group_memberships WHERE provider_id = $1 AND group_id = $2`,
		providerID, groupID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CandidatesForGroup(ctx context.Context, groupID int64) ([]models.Candidate, error) {
	const q = `
		SELECT p.id, p.name, p.endpoint, p.api_key, p.model, p.price_per_million_tokens,
		       p.input_price_per_million, p.output_price_per_million, p.billing,
		       p.is_active, p.total_calls, p.successful_calls,
		       m.provider_id, m.group_id, m.priority, m.active_calls
		FROM provider_group_memberships m
		JOIN providers p ON p.id = m.provider_id
		WHERE m.group_id = $1 AND p.is_active = true`
	rows, err := s.pool.Query(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(
			&c.Provider.ID, &c.Provider.Name, &c.Provider.Endpoint, &c.Provider.APIKey,
			&c.Provider.Model, &c.Provider.PricePerMillionTokens, &c.Provider.InputPricePerMillion,
			&c.Provider.OutputPricePerMillion, &c.Provider.Billing, &c.Provider.IsActive,
			&c.Provider.TotalCalls, &c.Provider.SuccessfulCalls,
			&c.Membership.ProviderID, &c.Membership.GroupID, &c.Membership.Priority, &c.Membership.ActiveCalls,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncrementActiveCalls/DecrementActiveCalls are the atomic bulk UPDATEs
// behind concurrency accounting (§4.4); decrement is guarded so active_calls
// never goes negative (P1), mirroring crud.py's `active_calls > 0` clause.
func (s *PostgresStore) IncrementActiveCalls(ctx context.Context, providerID, groupID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE provider_group_memberships SET active_calls = active_calls + 1
		 WHERE provider_id = $1 AND group_id = $2`,
		providerID, groupID)
	return err
}

func (s *PostgresStore) DecrementActiveCalls(ctx context.Context, providerID, groupID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE provider_group_memberships SET active_calls = active_calls - 1
		 WHERE provider_id = $1 AND group_id = $2 AND active_calls > 0`,
		providerID, groupID)
	return err
}

// ResetAllActiveCalls zeroes every membership's active_calls, run once at
// startup (P8: stale counts from a prior process must never survive a restart).
func (s *PostgresStore) ResetAllActiveCalls(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE provider_group_memberships SET active_calls = 0`)
	return err
}

func (s *PostgresStore) ConcurrencyStatus(ctx context.Context) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, group_id, priority, active_calls FROM provider_group_memberships ORDER BY group_id, priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ProviderID, &m.GroupID, &m.Priority, &m.ActiveCalls); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateApiKey(ctx context.Context, groupNames []string) (models.ApiKey, error) {
	key := generateApiKey()
	var k models.ApiKey
	k.Key = key
	k.IsActive = true
	k.GroupNames = groupNames
	const q = `INSERT INTO api_keys (key, is_active, created_at) VALUES ($1, true, now()) RETURNING id, created_at`
	if err := s.pool.QueryRow(ctx, q, key).Scan(&k.ID, &k.CreatedAt); err != nil {
		return models.ApiKey{}, err
	}
	for _, name := range groupNames {
		g, err := s.GetGroupByName(ctx, name)
		if err != nil {
			return models.ApiKey{}, fmt.Errorf("store: group %q: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO api_key_group_memberships (api_key_id, group_id) VALUES ($1,$2)`,
			k.ID, g.ID); err != nil {
			return models.ApiKey{}, err
		}
	}
	return k, nil
}

func (s *PostgresStore) GetApiKeyByKey(ctx context.Context, key string) (models.ApiKey, error) {
	const q = `SELECT id, key, is_active, created_at, last_used_at FROM api_keys WHERE key = $1`
	var k models.ApiKey
	err := s.pool.QueryRow(ctx, q, key).Scan(&k.ID, &k.Key, &k.IsActive, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return models.ApiKey{}, wrapNotFound(err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT g.name FROM api_key_group_memberships m JOIN groups g ON g.id = m.group_id WHERE m.api_key_id = $1`,
		k.ID)
	if err != nil {
		return models.ApiKey{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return models.ApiKey{}, err
		}
		k.GroupNames = append(k.GroupNames, name)
	}
	return k, rows.Err()
}

func (s *PostgresStore) TouchApiKeyLastUsed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeactivateApiKey(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListApiKeys(ctx context.Context) ([]models.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, key, is_active, created_at, last_used_at FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ApiKey
	for rows.Next() {
		var k models.ApiKey
		if err := rows.Scan(&k.ID, &k.Key, &k.IsActive, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CreateCallLog inserts the CallLog row and, if detail is non-nil, its
// bodies sidecar in the same transaction — the two always share an id,
// mirroring CallLogDetail's id-as-FK-as-PK relationship in app/models.py.
func (s *PostgresStore) CreateCallLog(ctx context.Context, log *models.CallLog, detail *models.CallLogDetail) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO call_logs
			(provider_id, api_key_id, request_timestamp, response_timestamp, is_success,
			 status_code, response_time_ms, error_message, prompt_tokens, completion_tokens,
			 total_tokens, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`
	var id int64
	err = tx.QueryRow(ctx, q,
		log.ProviderID, log.APIKeyID, log.RequestTimestamp, log.ResponseTimestamp, log.IsSuccess,
		log.StatusCode, log.LatencyMS, log.ErrorMessage, log.PromptTokens, log.CompletionTokens,
		log.TotalTokens, log.Cost,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	if detail != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO call_log_details (id, request_body, response_body) VALUES ($1,$2,$3)`,
			id, detail.RequestBody, detail.ResponseBody); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit(ctx)
}

// ListCallLogs projects only the summary columns, never request/response
// bodies, matching get_call_logs' load_only()-restricted query.
func (s *PostgresStore) ListCallLogs(ctx context.Context, f CallLogFilter) ([]models.CallLog, error) {
	q := `
		SELECT id, provider_id, api_key_id, request_timestamp, response_timestamp, is_success,
		       status_code, response_time_ms, error_message, prompt_tokens, completion_tokens,
		       total_tokens, cost
		FROM call_logs WHERE 1=1`
	args := []any{}
	if f.ProviderID != nil {
		args = append(args, *f.ProviderID)
		q += fmt.Sprintf(" AND provider_id = $%d", len(args))
	}
	if f.APIKeyID != nil {
		args = append(args, *f.APIKeyID)
		q += fmt.Sprintf(" AND api_key_id = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		q += fmt.Sprintf(" AND request_timestamp >= $%d", len(args))
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CallLog
	for rows.Next() {
		var l models.CallLog
		if err := rows.Scan(
			&l.ID, &l.ProviderID, &l.APIKeyID, &l.RequestTimestamp, &l.ResponseTimestamp, &l.IsSuccess,
			&l.StatusCode, &l.LatencyMS, &l.ErrorMessage, &l.PromptTokens, &l.CompletionTokens,
			&l.TotalTokens, &l.Cost,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCallLogDetail(ctx context.Context, id int64) (models.CallLogDetail, error) {
	const q = `SELECT id, request_body, response_body FROM call_log_details WHERE id = $1`
	var d models.CallLogDetail
	err := s.pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.RequestBody, &d.ResponseBody)
	return d, wrapNotFound(err)
}

func (s *PostgresStore) ListActiveErrorKeywords(ctx context.Context) ([]models.ErrorKeyword, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, keyword, description, is_active, last_triggered FROM error_keywords WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ErrorKeyword
	for rows.Next() {
		var k models.ErrorKeyword
		if err := rows.Scan(&k.ID, &k.Keyword, &k.Description, &k.IsActive, &k.LastTriggered); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateErrorKeyword(ctx context.Context, kw *models.ErrorKeyword) error {
	const q = `INSERT INTO error_keywords (keyword, description, is_active) VALUES ($1,$2,$3) RETURNING id`
	return wrapNotFound(s.pool.QueryRow(ctx, q, kw.Keyword, kw.Description, kw.IsActive).Scan(&kw.ID))
}

func (s *PostgresStore) MarkErrorKeywordTriggered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE error_keywords SET last_triggered = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) DeleteErrorKeyword(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM error_keywords WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1,$2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// CountRecentFailures backs the optional (N,T) health filter (§4.5), counting
// non-success CallLog rows in the trailing window, grounded on
// count_recent_failures_for_provider.
func (s *PostgresStore) CountRecentFailures(ctx context.Context, providerID int64, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM call_logs WHERE provider_id = $1 AND is_success = false AND request_timestamp >= $2`,
		providerID, time.Now().Add(-window),
	).Scan(&n)
	return n, err
}
