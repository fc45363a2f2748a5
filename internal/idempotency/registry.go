package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/redis"
)

const (
	uniqueConstraint = "ux_idempotency_records_key"

	defaultPendingTTL = 30 * time.Second
	defaultRetention  = 30 * 24 * time.Hour
	defaultCacheTTL   = 24 * time.Hour
)

// Outcome is the registry verdict for a request.
type Outcome string

const (
	OutcomeFresh     Outcome = "fresh"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// Request names one attempt at a mutating operation.
type Request struct {
	BusinessID  uuid.UUID
	Operation   enums.IdempotencyOperation
	Key         string
	Fingerprint string
}

// Decision is returned by CheckOrReserve. A FRESH decision owns a pending
// reservation that must be committed or abandoned.
type Decision struct {
	Outcome  Outcome
	Result   json.RawMessage
	request  Request
	recordID uuid.UUID
}

// Skipped reports whether no key was supplied, so nothing was reserved.
func (d *Decision) Skipped() bool {
	return d != nil && d.request.Key == ""
}

// Decode unmarshals the stored result of a DUPLICATE decision.
func (d *Decision) Decode(dest any) error {
	if d == nil || len(d.Result) == 0 {
		return fmt.Errorf("decision carries no stored result")
	}
	return json.Unmarshal(d.Result, dest)
}

// ConflictError builds the error returned to callers on CONFLICT.
func (d *Decision) ConflictError() error {
	return pkgerrors.New(pkgerrors.CodeIdempotencyConflict, "idempotency key was already used with different parameters").
		WithDetails(map[string]any{
			"operation":       d.request.Operation,
			"idempotency_key": d.request.Key,
		})
}

// Options tune reservation and retention windows.
type Options struct {
	PendingTTL time.Duration
	Retention  time.Duration
	CacheTTL   time.Duration
}

// Registry resolves idempotency keys against the database, with an optional
// Redis cache of committed results.
type Registry struct {
	repo    Repository
	cache   redis.Cache
	logg    *logger.Logger
	metrics *metrics.InventoryMetrics
	opts    Options
	now     func() time.Time
}

// NewRegistry wires a registry. cache, logg and m may be nil.
func NewRegistry(repo Repository, cache redis.Cache, logg *logger.Logger, m *metrics.InventoryMetrics, opts Options) (*Registry, error) {
	if repo == nil {
		return nil, fmt.Errorf("idempotency repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Registry{
		repo:    repo,
		cache:   cache,
		logg:    logg,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}, nil
}

// CheckOrReserve classifies req and, when FRESH, reserves the key inside tx.
// An empty key skips the registry and returns FRESH.
func (r *Registry) CheckOrReserve(ctx context.Context, tx *gorm.DB, req Request) (*Decision, error) {
	if req.Key == "" {
		return &Decision{Outcome: OutcomeFresh, request: req}, nil
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if decision := r.fromCache(ctx, req); decision != nil {
		r.record(req, decision.Outcome)
		return decision, nil
	}

	repo := r.repo.WithTx(tx)
	existing, err := repo.Find(ctx, req.BusinessID, req.Operation, req.Key)
	if err != nil {
		return nil, storageError(err, "read idempotency record")
	}
	if existing != nil {
		return r.evaluate(ctx, repo, req, existing)
	}

	now := r.clock()
	reservedUntil := now.Add(r.opts.PendingTTL)
	record := &models.IdempotencyRecord{
		BusinessID:    req.BusinessID,
		Operation:     req.Operation,
		Key:           req.Key,
		Fingerprint:   req.Fingerprint,
		State:         enums.IdempotencyStatePending,
		ReservedUntil: &reservedUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The insert runs in a savepoint so a lost race leaves the outer
	// transaction usable for the re-read.
	insertErr := tx.Transaction(func(sp *gorm.DB) error {
		return r.repo.WithTx(sp).Create(ctx, record)
	})
	if insertErr == nil {
		r.record(req, OutcomeFresh)
		return &Decision{Outcome: OutcomeFresh, request: req, recordID: record.ID}, nil
	}
	if !isKeyCollision(insertErr) {
		return nil, storageError(insertErr, "reserve idempotency key")
	}

	winner, err := repo.Find(ctx, req.BusinessID, req.Operation, req.Key)
	if err != nil {
		return nil, storageError(err, "read idempotency record")
	}
	if winner == nil {
		return nil, inProgressError(req)
	}
	return r.evaluate(ctx, repo, req, winner)
}

func (r *Registry) evaluate(ctx context.Context, repo Repository, req Request, record *models.IdempotencyRecord) (*Decision, error) {
	if record.Fingerprint != req.Fingerprint {
		r.record(req, OutcomeConflict)
		return &Decision{Outcome: OutcomeConflict, request: req, recordID: record.ID}, nil
	}
	if record.State == enums.IdempotencyStateCommitted {
		r.storeCache(ctx, req, record)
		r.record(req, OutcomeDuplicate)
		return &Decision{Outcome: OutcomeDuplicate, Result: record.Result, request: req, recordID: record.ID}, nil
	}

	now := r.clock()
	if record.ReservedUntil != nil && record.ReservedUntil.After(now) {
		return nil, inProgressError(req)
	}
	reclaimed, err := repo.Reclaim(ctx, record.ID, now, now.Add(r.opts.PendingTTL))
	if err != nil {
		return nil, storageError(err, "reclaim idempotency key")
	}
	if !reclaimed {
		return nil, inProgressError(req)
	}
	r.record(req, "reclaimed")
	return &Decision{Outcome: OutcomeFresh, request: req, recordID: record.ID}, nil
}

// Commit stores result for a FRESH decision inside the same tx as the
// operation's writes.
func (r *Registry) Commit(ctx context.Context, tx *gorm.DB, decision *Decision, result any) error {
	if decision == nil || decision.Skipped() {
		return nil
	}
	if decision.Outcome != OutcomeFresh {
		return pkgerrors.New(pkgerrors.CodeInternal, "only fresh reservations can be committed")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotency result")
	}
	now := r.clock()
	expiresAt := now.Add(r.opts.Retention)
	ok, err := r.repo.WithTx(tx).MarkCommitted(ctx, decision.recordID, payload, now, &expiresAt)
	if err != nil {
		return storageError(err, "commit idempotency key")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStorageUnavailable, "idempotency reservation was lost before commit").
			WithDetails(map[string]any{"operation": decision.request.Operation, "idempotency_key": decision.request.Key})
	}
	decision.Result = payload
	return nil
}

// Abandon drops a FRESH reservation so a retry starts over.
func (r *Registry) Abandon(ctx context.Context, tx *gorm.DB, decision *Decision) error {
	if decision == nil || decision.Skipped() || decision.Outcome != OutcomeFresh {
		return nil
	}
	if err := r.repo.WithTx(tx).DeletePending(ctx, decision.recordID); err != nil {
		return storageError(err, "abandon idempotency key")
	}
	return nil
}

// PurgeExpired removes committed records past retention and stale pending
// reservations. It returns the number of rows deleted.
func (r *Registry) PurgeExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	stale := now.Add(-r.opts.PendingTTL)
	deleted, err := r.repo.WithTx(tx).DeleteExpired(ctx, now.UTC(), stale.UTC(), limit)
	if err != nil {
		return 0, storageError(err, "purge idempotency records")
	}
	return deleted, nil
}

type cachedResult struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
}

func (r *Registry) fromCache(ctx context.Context, req Request) *Decision {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, r.cacheKey(req))
	if err != nil {
		if !redis.IsMiss(err) {
			r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "idempotency cache read failed")
		}
		return nil
	}
	var cached cachedResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil
	}
	if cached.Fingerprint != req.Fingerprint {
		return &Decision{Outcome: OutcomeConflict, request: req}
	}
	return &Decision{Outcome: OutcomeDuplicate, Result: cached.Result, request: req}
}

func (r *Registry) storeCache(ctx context.Context, req Request, record *models.IdempotencyRecord) {
	if r.cache == nil || len(record.Result) == 0 {
		return
	}
	payload, err := json.Marshal(cachedResult{Fingerprint: record.Fingerprint, Result: record.Result})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, r.cacheKey(req), string(payload), r.opts.CacheTTL); err != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "idempotency cache write failed")
	}
}

func (r *Registry) cacheKey(req Request) string {
	return r.cache.IdempotencyKey(req.BusinessID.String(), string(req.Operation), req.Key)
}

func (r *Registry) record(req Request, outcome Outcome) {
	r.metrics.IdempotencyOutcome(string(req.Operation), string(outcome))
}

func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func validateRequest(req Request) error {
	details := map[string]any{"operation": req.Operation, "idempotency_key": req.Key}
	switch {
	case req.BusinessID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeInvalidScope, "business id required for idempotency").WithDetails(details)
	case !req.Operation.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown idempotency operation").WithDetails(details)
	case len(req.Key) > 255:
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key too long").WithDetails(details)
	case req.Fingerprint == "":
		return pkgerrors.New(pkgerrors.CodeInternal, "idempotency fingerprint missing").WithDetails(details)
	}
	return nil
}

// sqlite reports the column list instead of the index name.
func isKeyCollision(err error) bool {
	return db.IsUniqueViolation(err, uniqueConstraint) ||
		db.IsUniqueViolation(err, "idempotency_records.idempotency_key")
}

func inProgressError(req Request) error {
	return pkgerrors.New(pkgerrors.CodeStorageUnavailable, "operation with this idempotency key is still in progress").
		WithDetails(map[string]any{"operation": req.Operation, "idempotency_key": req.Key})
}

func storageError(err error, message string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, message)
}
