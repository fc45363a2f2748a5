package outbox

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stockledger/pkg/db/models"
)

// lastErrorLimit bounds outbox_events.last_error in bytes.
const lastErrorLimit = 1024

// Repository reads and updates outbox_events rows. Writes that belong to a
// business transaction take that transaction explicitly.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return ErrTxRequired
	}
	return tx.Create(event).Error
}

// FetchUnpublishedForPublish returns up to limit pending rows in creation
// order. Postgres locks them with SKIP LOCKED so concurrent relays split the
// backlog instead of publishing the same row twice.
func (r *Repository) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}
	query := tx.Where("published_at IS NULL AND attempt_count < ?", maxAttempts).
		Order("created_at, id").
		Limit(limit)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked})
	}
	var rows []models.OutboxEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) update(tx *gorm.DB, id uuid.UUID, values map[string]any) error {
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(values).Error
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	return r.update(tx, id, map[string]any{"published_at": time.Now().UTC()})
}

// MarkFailedTx records a failed attempt. The row stays eligible until its
// attempt count reaches the relay's ceiling.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	return r.update(tx, id, map[string]any{
		"last_error":    lastError(err),
		"attempt_count": gorm.Expr("attempt_count + 1"),
	})
}

// MarkTerminalTx jumps the attempt count to the ceiling so the row is never
// fetched again and becomes eligible for retention.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	return r.update(tx, id, map[string]any{
		"last_error":    lastError(err),
		"attempt_count": terminalAttempts,
	})
}

// DeletePublishedBefore removes rows created or published before cutoff that
// are either published or terminal (attempt_count >= minAttemptCount).
func (r *Repository) DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	q := r.conn(ctx, tx)
	published := q.Where("published_at IS NOT NULL AND published_at < ?", cutoff)
	terminal := q.Where("published_at IS NULL AND attempt_count >= ? AND created_at < ?", minAttemptCount, cutoff)
	res := q.Where(published.Or(terminal)).Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// ListByAggregate returns every row for one aggregate, oldest first.
func (r *Repository) ListByAggregate(ctx context.Context, tx *gorm.DB, aggregateID uuid.UUID) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.conn(ctx, tx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at, id").
		Find(&rows).Error
	return rows, err
}

// lastError truncates err's message to lastErrorLimit bytes without
// splitting a UTF-8 sequence.
func lastError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= lastErrorLimit {
		return msg
	}
	cut := lastErrorLimit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
