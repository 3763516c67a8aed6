package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sensorhub-server/internal/modules/readings/types"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-reading.sql
var getLatestReadingSQL string

//go:embed sql/get-recent-readings.sql
var getRecentReadingsSQL string

//go:embed sql/get-last-created-at.sql
var getLastCreatedAtSQL string

// DefaultRecentLimit is used by Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// ErrNotFound is returned by Latest when no reading has been stored yet.
var ErrNotFound = errors.New("no readings found")

// StorageError reports a failed read or write against the database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// ReadingRepository is the append-only store of readings.
type ReadingRepository interface {
	// Insert stores a reading and returns it with its assigned id and created_at.
	Insert(ctx context.Context, temperature, humidity float64) (types.Reading, error)
	// Latest returns the newest reading or ErrNotFound.
	Latest(ctx context.Context) (types.Reading, error)
	// Recent returns up to limit readings, newest first.
	Recent(ctx context.Context, limit int) ([]types.Reading, error)
}

type repositoryImpl struct {
	db  *sql.DB
	now func() time.Time

	// mu serializes inserts so ids and created_at are assigned in the same order.
	mu            sync.Mutex
	lastLoaded    bool
	lastCreatedAt time.Time
}

func NewRepository(db *sql.DB) ReadingRepository {
	return newRepository(db, time.Now)
}

func newRepository(db *sql.DB, now func() time.Time) *repositoryImpl {
	return &repositoryImpl{db: db, now: now}
}

func (r *repositoryImpl) Insert(ctx context.Context, temperature, humidity float64) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, &StorageError{Op: "insert reading", Err: err}
	}
	// Past this point the write runs to completion regardless of ctx, so an
	// error always means nothing was stored.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastLoaded {
		last, err := r.loadLastCreatedAt(ctx)
		if err != nil {
			return types.Reading{}, &StorageError{Op: "load last created_at", Err: err}
		}
		r.lastCreatedAt = last
		r.lastLoaded = true
	}

	// created_at never goes backwards, even if the wall clock does.
	ts := r.now().UTC().Truncate(time.Microsecond)
	if ts.Before(r.lastCreatedAt) {
		ts = r.lastCreatedAt
	}

	var rec types.Reading
	err := r.db.QueryRowContext(ctx, insertReadingSQL, temperature, humidity, ts.Format(types.CreatedAtLayout)).
		Scan(&rec.ID, &rec.Temperature, &rec.Humidity, &rec.CreatedAt)
	if err != nil {
		return types.Reading{}, &StorageError{Op: "insert reading", Err: err}
	}

	r.lastCreatedAt = ts
	return rec, nil
}

func (r *repositoryImpl) loadLastCreatedAt(ctx context.Context) (time.Time, error) {
	var s string
	if err := r.db.QueryRowContext(ctx, getLastCreatedAtSQL).Scan(&s); err != nil {
		return time.Time{}, err
	}
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(types.CreatedAtLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t, nil
}

func (r *repositoryImpl) Latest(ctx context.Context) (types.Reading, error) {
	var rec types.Reading
	err := r.db.QueryRowContext(ctx, getLatestReadingSQL).
		Scan(&rec.ID, &rec.Temperature, &rec.Humidity, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, ErrNotFound
	}
	if err != nil {
		return types.Reading{}, &StorageError{Op: "get latest reading", Err: err}
	}
	return rec, nil
}

func (r *repositoryImpl) Recent(ctx context.Context, limit int) ([]types.Reading, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := r.db.QueryContext(ctx, getRecentReadingsSQL, limit)
	if err != nil {
		return nil, &StorageError{Op: "get recent readings", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close recent readings rows", "error", err)
		}
	}()

	out := []types.Reading{}
	for rows.Next() {
		var rec types.Reading
		if err := rows.Scan(&rec.ID, &rec.Temperature, &rec.Humidity, &rec.CreatedAt); err != nil {
			return nil, &StorageError{Op: "scan reading", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get recent readings", Err: err}
	}
	return out, nil
}
