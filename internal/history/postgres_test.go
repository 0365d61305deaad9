package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"alertengine/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockHistoryDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresStore(db)
}

func historyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "rule_id", "rule_name", "severity", "triggered_at", "match_count",
		"matched_documents", "evidence", "actions", "deliveries",
	})
}

func TestPostgresStoreSave(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	id := uuid.New().String()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	te := domain.TriggeredEvent{ID: id, RuleID: "r1", RuleName: "Disk", Severity: domain.SeverityHigh, TriggeredAt: at, MatchCount: 2}

	mock.ExpectExec(`INSERT INTO triggered_events`).
		WithArgs(id, "r1", "Disk", "high", at, 2, []byte(`[]`), sqlmock.AnyArg(), []byte(`[]`), []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), te))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGet(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM triggered_events WHERE id = $1`)).
		WithArgs("te-1").
		WillReturnRows(historyRows().AddRow(
			"te-1", "r1", "Disk", "high", at, 1,
			`[{"id":"e1"}]`, `{"trigger_type":"query","conditions":[],"total_matches":1,"digest":false}`,
			`[{"action":"delivered","timestamp":"2024-03-05T10:00:01Z","success":true}]`,
			`[{"channel":"slack","status":"delivered","retry_count":0,"updated_at":"2024-03-05T10:00:01Z"}]`,
		))

	te, err := store.Get(context.Background(), "te-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, te.Severity)
	assert.Equal(t, "e1", te.MatchedDocuments[0]["id"])
	assert.Equal(t, 1, te.Evidence.TotalMatches)
	require.Len(t, te.Deliveries, 1)
	assert.Equal(t, domain.DeliveryDelivered, te.Deliveries[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListBuildsFilter(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE rule_id = $1 AND severity = $2 AND triggered_at >= $3 ORDER BY triggered_at DESC, id DESC LIMIT $4 OFFSET $5`)).
		WithArgs("r1", "high", from, DefaultLimit, 0).
		WillReturnRows(historyRows().
			AddRow("b", "r1", "Disk", "high", from.Add(2*time.Hour), 1, `[]`, `{}`, `[]`, `[]`).
			AddRow("a", "r1", "Disk", "high", from.Add(time.Hour), 1, `[]`, `{}`, `[]`, `[]`))

	items, err := store.List(context.Background(), Filter{RuleID: "r1", Severity: domain.SeverityHigh, From: from})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateDeliveryMerges(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	existing, _ := json.Marshal([]domain.DeliveryStatus{{Channel: "slack", Recipient: "u1", Status: domain.DeliveryPending}})
	update := []domain.DeliveryStatus{{Channel: "slack", Recipient: "u1", Status: domain.DeliveryDelivered}}
	actions := []domain.ActionPerformed{{Action: domain.ActionDelivered, Channel: "slack", Success: true, Timestamp: time.Unix(0, 0).UTC()}}
	wantDeliveries, _ := json.Marshal(update)
	wantActions, _ := json.Marshal(actions)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT deliveries, actions FROM triggered_events WHERE id = $1 FOR UPDATE`)).
		WithArgs("te-1").
		WillReturnRows(sqlmock.NewRows([]string{"deliveries", "actions"}).AddRow(existing, `[]`))
	mock.ExpectExec(`UPDATE triggered_events SET deliveries`).
		WithArgs("te-1", wantDeliveries, wantActions).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateDelivery(context.Background(), "te-1", update, actions))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateDeliveryNotFoundRollsBack(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT deliveries`).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateDelivery(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	db, mock, store := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS triggered_events`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
