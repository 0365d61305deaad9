package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"alertengine/internal/config"
	"alertengine/internal/domain"

	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS triggered_events (
	id                TEXT PRIMARY KEY,
	rule_id           TEXT NOT NULL,
	rule_name         TEXT NOT NULL,
	severity          TEXT NOT NULL,
	triggered_at      TIMESTAMPTZ NOT NULL,
	match_count       INTEGER NOT NULL,
	matched_documents JSONB NOT NULL DEFAULT '[]',
	evidence          JSONB NOT NULL DEFAULT '{}',
	actions           JSONB NOT NULL DEFAULT '[]',
	deliveries        JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS triggered_events_rule_time_idx ON triggered_events (rule_id, triggered_at DESC);
CREATE INDEX IF NOT EXISTS triggered_events_time_idx ON triggered_events (triggered_at DESC);
`

const selectColumns = `id, rule_id, rule_name, severity, triggered_at, match_count, matched_documents, evidence, actions, deliveries`

// OpenPostgres opens and pings PostgreSQL pool.
// Params: history section with DSN and pool size.
// Returns: database handle or connection error.
func OpenPostgres(ctx context.Context, cfg config.HistoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore keeps triggered events in PostgreSQL with JSONB payload columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure triggered_events schema: %w", err)
	}
	return nil
}

// Save upserts triggered event row.
func (s *PostgresStore) Save(ctx context.Context, te domain.TriggeredEvent) error {
	if te.ID == "" {
		return fmt.Errorf("triggered event id is required")
	}
	documents, evidence, actions, deliveries, err := encodeColumns(te)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triggered_events (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			matched_documents = EXCLUDED.matched_documents,
			evidence = EXCLUDED.evidence,
			actions = EXCLUDED.actions,
			deliveries = EXCLUDED.deliveries,
			match_count = EXCLUDED.match_count`,
		te.ID, te.RuleID, te.RuleName, string(te.Severity), te.TriggeredAt.UTC(), te.MatchCount,
		documents, evidence, actions, deliveries,
	)
	if err != nil {
		return fmt.Errorf("save triggered event %s: %w", te.ID, err)
	}
	return nil
}

// UpdateDelivery merges statuses and appends actions inside one row-locked transaction.
func (s *PostgresStore) UpdateDelivery(ctx context.Context, id string, statuses []domain.DeliveryStatus, actions []domain.ActionPerformed) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rawDeliveries, rawActions []byte
	err = tx.QueryRowContext(ctx, `SELECT deliveries, actions FROM triggered_events WHERE id = $1 FOR UPDATE`, id).
		Scan(&rawDeliveries, &rawActions)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("triggered event %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load deliveries %s: %w", id, err)
	}

	var current []domain.DeliveryStatus
	var history []domain.ActionPerformed
	if err = decodeJSON(rawDeliveries, &current); err != nil {
		return err
	}
	if err = decodeJSON(rawActions, &history); err != nil {
		return err
	}
	merged, err := json.Marshal(domain.MergeDeliveries(current, statuses))
	if err != nil {
		return fmt.Errorf("encode deliveries: %w", err)
	}
	appended, err := json.Marshal(append(history, actions...))
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE triggered_events SET deliveries = $2, actions = $3 WHERE id = $1`, id, merged, appended); err != nil {
		return fmt.Errorf("update deliveries %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery update: %w", err)
	}
	return nil
}

// Get loads triggered event by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.TriggeredEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM triggered_events WHERE id = $1`, id)
	te, err := scanTriggered(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TriggeredEvent{}, fmt.Errorf("triggered event %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TriggeredEvent{}, fmt.Errorf("get triggered event %s: %w", id, err)
	}
	return te, nil
}

// List queries filtered triggered events newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.TriggeredEvent, error) {
	filter = filter.normalized()
	query, args := buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggered events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TriggeredEvent, 0)
	for rows.Next() {
		te, err := scanTriggered(rows)
		if err != nil {
			return nil, fmt.Errorf("scan triggered event: %w", err)
		}
		out = append(out, te)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggered events: %w", err)
	}
	return out, nil
}

// Close closes database pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// buildListQuery renders WHERE clause with positional arguments.
func buildListQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.RuleID != "" {
		add("rule_id = ?", filter.RuleID)
	}
	if filter.Severity != "" {
		add("severity = ?", string(filter.Severity))
	}
	if !filter.From.IsZero() {
		add("triggered_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("triggered_at < ?", filter.To.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + selectColumns + ` FROM triggered_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, filter.Limit, filter.Offset)
	fmt.Fprintf(&b, " ORDER BY triggered_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTriggered(row rowScanner) (domain.TriggeredEvent, error) {
	var (
		te                                     domain.TriggeredEvent
		severity                               string
		documents, evidence, actions, delivery []byte
	)
	if err := row.Scan(&te.ID, &te.RuleID, &te.RuleName, &severity, &te.TriggeredAt, &te.MatchCount,
		&documents, &evidence, &actions, &delivery); err != nil {
		return domain.TriggeredEvent{}, err
	}
	te.Severity = domain.Severity(severity)
	te.TriggeredAt = te.TriggeredAt.UTC()
	if err := decodeJSON(documents, &te.MatchedDocuments); err != nil {
		return domain.TriggeredEvent{}, err
	}
	if err := decodeJSON(evidence, &te.Evidence); err != nil {
		return domain.TriggeredEvent{}, err
	}
	if err := decodeJSON(actions, &te.Actions); err != nil {
		return domain.TriggeredEvent{}, err
	}
	if err := decodeJSON(delivery, &te.Deliveries); err != nil {
		return domain.TriggeredEvent{}, err
	}
	return te, nil
}

func encodeColumns(te domain.TriggeredEvent) (documents, evidence, actions, deliveries []byte, err error) {
	if te.MatchedDocuments == nil {
		te.MatchedDocuments = []map[string]any{}
	}
	if te.Actions == nil {
		te.Actions = []domain.ActionPerformed{}
	}
	if te.Deliveries == nil {
		te.Deliveries = []domain.DeliveryStatus{}
	}
	if documents, err = json.Marshal(te.MatchedDocuments); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode matched documents: %w", err)
	}
	if evidence, err = json.Marshal(te.Evidence); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode evidence: %w", err)
	}
	if actions, err = json.Marshal(te.Actions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	if deliveries, err = json.Marshal(te.Deliveries); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode deliveries: %w", err)
	}
	return documents, evidence, actions, deliveries, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode jsonb column: %w", err)
	}
	return nil
}
