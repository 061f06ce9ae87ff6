// Package idempotency provides the Inbox pattern for exactly-once message processing.
// An entry records only the processing status and a small result summary for a key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Schema creates the inbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS inbox_status_updated_idx ON inbox (status, updated_at);
`

const (
	queryGetEntry = `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1`

	queryStart = `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`

	queryMarkStatus = `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`

	queryMarkRecoverable = `
		UPDATE inbox
		SET status = $1, updated_at = NOW()
		WHERE idempotency_key = $2`

	queryCleanup = `
		DELETE FROM inbox
		WHERE expires_at < NOW()`

	queryRecoverStale = `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval`

	queryStats = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`
)

// DB is the subset of *pgxpool.Pool the inbox uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry represents an idempotency inbox record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Result         json.RawMessage
	UpdatedAt      time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// DefaultTTL is how long entries are kept
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal reports whether a handler error should never be retried.
	// Nil falls back to matching common validation phrases.
	IsTerminal func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager. db is usually a *pgxpool.Pool.
func NewInbox(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

var (
	// ErrDuplicateMessage indicates another handler claimed the key first
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates message is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc runs the handler and returns the summary to store.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// EnsureSchema creates the inbox table if needed.
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create inbox schema: %w", err)
	}
	return nil
}

// Process runs fn at most once per key. A key that already finished returns
// its stored result with IsNew false and fn is not called.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Stale: the previous handler likely crashed
			if err := i.markRecoverable(ctx, key); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.startProcessing(ctx, key, handlerName); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.isTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.markStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a redelivery would find STARTED and recover
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// GenerateKey derives a deterministic key from the parts, in order.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.db.QueryRow(ctx, queryGetEntry, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status, &entry.Result, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (i *Inbox) startProcessing(ctx context.Context, key, handlerName string) error {
	expiresAt := i.now().Add(i.config.DefaultTTL)

	var returned string
	err := i.db.QueryRow(ctx, queryStart, key, handlerName, StatusStarted, expiresAt).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict with a row that is not recoverable
			return ErrDuplicateMessage
		}
		return err
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.db.Exec(ctx, queryMarkStatus, status, result, key)
	return err
}

func (i *Inbox) markRecoverable(ctx context.Context, key string) error {
	_, err := i.db.Exec(ctx, queryMarkRecoverable, StatusRecoverable, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("recovered stale inbox entries", zap.Int64("count", n))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.db.Exec(ctx, queryCleanup)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.db.Exec(ctx, queryRecoverStale, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (i *Inbox) isTerminal(err error) bool {
	if i.config.IsTerminal != nil {
		return i.config.IsTerminal(err)
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "malformed", "not found"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Stats holds inbox statistics
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := i.db.QueryRow(ctx, queryStats).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
