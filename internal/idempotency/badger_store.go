package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerKeyPrefix = "idem:"

// BadgerStore persists records in an embedded badger database. Entries carry
// a TTL matching the record's window, so expired keys are dropped by badger
// itself.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStore opens the database at dir. An empty dir keeps everything in
// memory.
func NewBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(logger)).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (b *BadgerStore) Get(_ context.Context, key string) (*Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(b.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (b *BadgerStore) Save(_ context.Context, key string, record Record) error {
	ttl := record.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(badgerKeyPrefix+key), blob).WithTTL(ttl))
	})
}

// badgerLogger routes badger's own logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func newBadgerLogger(logger zerolog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error().Msgf(msg, args...)
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn().Msgf(msg, args...)
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Info().Msgf(msg, args...)
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug().Msgf(msg, args...)
}
