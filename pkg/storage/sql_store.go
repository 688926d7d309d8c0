package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/polisai/netopt/pkg/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id          TEXT PRIMARY KEY,
		seq         BIGSERIAL,
		name        TEXT NOT NULL,
		domain      TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		priority    INTEGER NOT NULL DEFAULT 0,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		tags        TEXT[] NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policy_conditions (
		policy_id TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,
		field     TEXT NOT NULL,
		operator  TEXT NOT NULL,
		value     JSONB,
		PRIMARY KEY (policy_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_actions (
		policy_id  TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		type       TEXT NOT NULL,
		target     TEXT NOT NULL DEFAULT '',
		parameters JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (policy_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_store_meta (
		id      SMALLINT PRIMARY KEY,
		version BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO policy_store_meta (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
}

const selectPolicyColumns = `SELECT id, seq, name, domain, description, priority, enabled, tags, created_at, updated_at FROM policies`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLPolicyStore persists policies in Postgres using normalized condition and
// action tables. Each mutation and its version bump share one transaction.
type SQLPolicyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLPolicyStore wraps an open database handle.
func NewSQLPolicyStore(db *sql.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db, now: time.Now}
}

// OpenSQLPolicyStore opens a Postgres connection using the pq driver.
func OpenSQLPolicyStore(ctx context.Context, dsn string) (*SQLPolicyStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", domain.ErrStoreUnavailable, err)
	}
	return NewSQLPolicyStore(db), nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLPolicyStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate policy schema: %w", err)
		}
	}
	return nil
}

// Create inserts the policy with its conditions and actions.
func (s *SQLPolicyStore) Create(ctx context.Context, policy domain.Policy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	now := s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO policies (id, name, domain, description, priority, enabled, tags, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO NOTHING
			RETURNING seq`,
			policy.ID,
			policy.Name,
			policy.Domain,
			policy.Description,
			policy.Priority,
			policy.Enabled,
			pq.Array(nonNilTags(policy.Tags)),
			now,
			now,
		).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("policy %s: %w", policy.ID, domain.ErrDuplicateID)
		}
		if err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}
		if err := insertChildren(ctx, tx, policy); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return "", err
	}
	return policy.ID, nil
}

// Get loads a policy and its children.
func (s *SQLPolicyStore) Get(ctx context.Context, id string) (domain.Policy, error) {
	return getPolicy(ctx, s.db, id, false)
}

// Update applies patch inside a transaction holding the row lock.
func (s *SQLPolicyStore) Update(ctx context.Context, id string, patch domain.PolicyPatch) (domain.Policy, error) {
	var updated domain.Policy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getPolicy(ctx, tx, id, true)
		if err != nil {
			return err
		}
		patch.Apply(&current)
		if err := current.Validate(); err != nil {
			return err
		}
		current.UpdatedAt = s.now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE policies
			SET name = $2, domain = $3, description = $4, priority = $5, enabled = $6, tags = $7, updated_at = $8
			WHERE id = $1`,
			current.ID,
			current.Name,
			current.Domain,
			current.Description,
			current.Priority,
			current.Enabled,
			pq.Array(nonNilTags(current.Tags)),
			current.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update policy: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_conditions WHERE policy_id = $1`, id); err != nil {
			return fmt.Errorf("clear conditions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_actions WHERE policy_id = $1`, id); err != nil {
			return fmt.Errorf("clear actions: %w", err)
		}
		if err := insertChildren(ctx, tx, current); err != nil {
			return err
		}
		updated = current
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return domain.Policy{}, err
	}
	return updated, nil
}

// Delete removes the policy; children cascade.
func (s *SQLPolicyStore) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete policy: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete policy: %w", err)
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return bumpVersion(ctx, tx)
	})
	return deleted, err
}

// List returns matching policies in evaluation order.
func (s *SQLPolicyStore) List(ctx context.Context, filter Filter) ([]domain.Policy, error) {
	var enabled sql.NullBool
	if filter.Enabled != nil {
		enabled = sql.NullBool{Bool: *filter.Enabled, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, selectPolicyColumns+`
		WHERE ($1 = '' OR domain = $1)
		  AND ($2::boolean IS NULL OR enabled = $2)
		  AND ($3 = '' OR $3 = ANY(tags))
		ORDER BY priority DESC, created_at ASC, seq ASC`,
		filter.Domain, enabled, filter.Tag)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var (
		policies []domain.Policy
		ids      []string
	)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	if len(policies) == 0 {
		return []domain.Policy{}, nil
	}

	conditions, err := loadConditions(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	actions, err := loadActions(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		policies[i].Conditions = conditions[policies[i].ID]
		policies[i].Actions = actions[policies[i].ID]
	}
	return policies, nil
}

// Version returns the mutation counter.
func (s *SQLPolicyStore) Version(ctx context.Context) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM policy_store_meta WHERE id = 1`).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read version: %v", domain.ErrStoreUnavailable, err)
	}
	return version, nil
}

// Close closes the database handle.
func (s *SQLPolicyStore) Close() error {
	return s.db.Close()
}

func (s *SQLPolicyStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE policy_store_meta SET version = version + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	return nil
}

func getPolicy(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Policy, error) {
	query := selectPolicyColumns + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	if !rows.Next() {
		_ = rows.Close()
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	p, err := scanPolicy(rows)
	_ = rows.Close()
	if err != nil {
		return domain.Policy{}, err
	}

	conditions, err := loadConditions(ctx, q, []string{id})
	if err != nil {
		return domain.Policy{}, err
	}
	actions, err := loadActions(ctx, q, []string{id})
	if err != nil {
		return domain.Policy{}, err
	}
	p.Conditions = conditions[id]
	p.Actions = actions[id]
	return p, nil
}

func scanPolicy(rows *sql.Rows) (domain.Policy, error) {
	var (
		p    domain.Policy
		tags []string
	)
	if err := rows.Scan(
		&p.ID,
		&p.Seq,
		&p.Name,
		&p.Domain,
		&p.Description,
		&p.Priority,
		&p.Enabled,
		pq.Array(&tags),
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return domain.Policy{}, fmt.Errorf("scan policy: %w", err)
	}
	if len(tags) > 0 {
		p.Tags = tags
	}
	return p, nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, policy domain.Policy) error {
	for i, c := range policy.Conditions {
		value, err := json.Marshal(c.Value)
		if err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("conditions[%d].value", i), Reason: err.Error()}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_conditions (policy_id, position, field, operator, value)
			VALUES ($1,$2,$3,$4,$5)`,
			policy.ID, i, c.Field, string(c.Operator), value); err != nil {
			return fmt.Errorf("insert condition: %w", err)
		}
	}
	for i, a := range policy.Actions {
		params := a.Parameters
		if params == nil {
			params = map[string]any{}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("actions[%d].parameters", i), Reason: err.Error()}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_actions (policy_id, position, type, target, parameters)
			VALUES ($1,$2,$3,$4,$5)`,
			policy.ID, i, a.Type, a.Target, raw); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	return nil
}

func loadConditions(ctx context.Context, q queryer, ids []string) (map[string][]domain.Condition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT policy_id, field, operator, value
		FROM policy_conditions
		WHERE policy_id = ANY($1)
		ORDER BY policy_id, position`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Condition, len(ids))
	for rows.Next() {
		var (
			policyID, field, operator string
			raw                       []byte
		)
		if err := rows.Scan(&policyID, &field, &operator, &raw); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		var value any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("decode condition value: %w", err)
			}
		}
		out[policyID] = append(out[policyID], domain.Condition{
			Field:    field,
			Operator: domain.Operator(operator),
			Value:    value,
		})
	}
	return out, rows.Err()
}

func loadActions(ctx context.Context, q queryer, ids []string) (map[string][]domain.Action, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT policy_id, type, target, parameters
		FROM policy_actions
		WHERE policy_id = ANY($1)
		ORDER BY policy_id, position`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Action, len(ids))
	for rows.Next() {
		var (
			policyID, typ, target string
			raw                   []byte
		)
		if err := rows.Scan(&policyID, &typ, &target, &raw); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var params map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, fmt.Errorf("decode action parameters: %w", err)
			}
		}
		if len(params) == 0 {
			params = nil
		}
		out[policyID] = append(out[policyID], domain.Action{Type: typ, Target: target, Parameters: params})
	}
	return out, rows.Err()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
