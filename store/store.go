// Package store is the persistent side of the system: time-series
// measurements, the configuration tables and their audit journal, and
// the runtime state written by the control loop. It speaks PostgreSQL
// through sqlx on the pgx stdlib driver.
//
// Writer discipline: measurement writes run on autocommit connections,
// batched per decoded frame. Config mutations run in a transaction
// together with their config_versions journal row. Device and sensor
// ids are cached in-process after the first lookup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Options selects the database endpoint and pool shape.
type Options struct {
	DSN string

	// Pool bounds. Zero means the defaults below.
	MaxOpen int
	MaxIdle int
}

const (
	defaultMaxOpen = 10
	defaultMaxIdle = 2

	reconnectBase     = time.Second
	reconnectCap      = 60 * time.Second
	reconnectAttempts = 5
)

// Store owns a connection pool plus the id caches. Safe for use from
// multiple goroutines.
type Store struct {
	db  *sqlx.DB
	dsn string
	log zerolog.Logger

	poolMu  sync.RWMutex
	maxOpen int
	maxIdle int

	idMu      sync.Mutex
	roomIDs   map[string]int64
	rackIDs   map[string]int64
	deviceIDs map[string]int64
	sensorIDs map[sensorKey]int64
}

type sensorKey struct {
	deviceID int64
	name     string
}

// Open connects and pings. An unreachable database is an error; the
// caller decides whether that is fatal (it is, at startup).
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Store, error) {
	s := &Store{
		dsn:       opts.DSN,
		log:       log.With().Str("component", "store").Logger(),
		maxOpen:   opts.MaxOpen,
		maxIdle:   opts.MaxIdle,
		roomIDs:   make(map[string]int64),
		rackIDs:   make(map[string]int64),
		deviceIDs: make(map[string]int64),
		sensorIDs: make(map[sensorKey]int64),
	}
	if s.maxOpen == 0 {
		s.maxOpen = defaultMaxOpen
	}
	if s.maxIdle == 0 {
		s.maxIdle = defaultMaxIdle
	}
	db, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) dial(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpen)
	db.SetMaxIdleConns(s.maxIdle)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Reconnect drops the current pool and redials with exponential
// back-off, 1 s doubling to a 60 s cap, giving up after five attempts.
// Callers that must not act without persistence keep calling it.
func (s *Store) Reconnect(ctx context.Context) error {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	delay := reconnectBase
	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		db, err := s.dial(ctx)
		if err == nil {
			s.db = db
			s.log.Info().Int("attempt", attempt).Msg("database reconnected")
			return nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("database reconnect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectCap)
	}
	return fmt.Errorf("store: reconnect gave up after %d attempts: %w", reconnectAttempts, lastErr)
}

// handle returns the live pool, or an error while disconnected.
func (s *Store) handle() (*sqlx.DB, error) {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("store: not connected")
	}
	return s.db, nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// Ping probes the pool.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
