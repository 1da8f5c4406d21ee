// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns verification session records for their lifetime.
//
// A session is created at initialization, carries an immutable chaos
// schedule, and is consumed exactly once at verification submission. The
// store keeps live sessions in memory and mirrors them into BadgerDB with a
// TTL, so a restart neither resurrects a consumed session nor forgets one
// that was never verified; unconsumed records are rehydrated into memory when
// the store opens. Expiry is evaluated lazily at consumption time; there is
// no background sweep.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
)

var (
	// ErrNotFound is returned for a token the store has never issued or
	// has already dropped.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when a session outlived the store TTL before
	// being consumed.
	ErrExpired = errors.New("session expired")

	// ErrConsumed is returned when a session is submitted for
	// verification a second time.
	ErrConsumed = errors.New("session already consumed")
)

var tracer = otel.Tracer("verifier.session")

// DefaultTTL is how long an unverified session stays claimable.
const DefaultTTL = 10 * time.Minute

// keyPrefix namespaces session records inside the shared verifier database.
const keyPrefix = "session/"

// Session is a single issued verification session.
//
// The schedule is immutable once issued; Consumed transitions false to true
// exactly once, under the store's lock.
type Session struct {
	// Token is the opaque session identifier handed to the client.
	Token string

	// ClientID identifies the client the session was issued to, for
	// attempt accounting.
	ClientID string

	// CreatedAt is the issue timestamp.
	CreatedAt time.Time

	// Schedule is the session's chaos schedule.
	Schedule chaos.Schedule

	// Consumed marks the session as verified (successfully or not).
	Consumed bool
}

// record is the badger serialization of a session.
type record struct {
	ClientID  string         `json:"client_id"`
	CreatedAt int64          `json:"created_at"`
	Consumed  bool           `json:"consumed"`
	Schedule  chaos.Schedule `json:"schedule"`
}

// Config configures the session store.
type Config struct {
	// TTL is the session expiry window. Default: DefaultTTL.
	TTL time.Duration

	// Logger for store operations. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store holds live sessions and enforces at-most-once consumption.
//
// Thread Safety: safe for concurrent use. The single mutex serializes the
// consumed transition, so duplicate concurrent submissions of one token
// yield exactly one success.
type Store struct {
	mu     sync.Mutex
	live   map[string]*Session
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a session store backed by the given database.
//
// Inputs:
//   - db: shared verifier database. Must not be nil.
//   - cfg: store configuration; zero value gets defaults.
//
// Outputs:
//   - *Store: ready-to-use store with persisted unconsumed sessions already
//     rehydrated. Never nil on success.
//   - error: non-nil if db is nil, cfg.TTL is negative, or rehydration fails.
func NewStore(db *badger.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.TTL < 0 {
		return nil, errors.New("ttl must not be negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		live:   make(map[string]*Session),
		db:     db,
		ttl:    cfg.TTL,
		logger: logger.With(slog.String("component", "session_store")),
	}
	if err := s.rehydrate(); err != nil {
		return nil, fmt.Errorf("rehydrate sessions: %w", err)
	}
	return s, nil
}

// rehydrate reloads persisted unconsumed sessions into the live map, so the
// live count survives a restart. Consumed tombstones and expired records are
// skipped; badger's TTL collects them.
func (s *Store) rehydrate() error {
	now := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			token := strings.TrimPrefix(string(item.Key()), keyPrefix)

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				s.logger.Warn("skipping unreadable session record",
					slog.String("token", token[:min(8, len(token))]),
					slog.String("error", err.Error()),
				)
				continue
			}
			created := time.UnixMilli(rec.CreatedAt)
			if rec.Consumed || now.Sub(created) > s.ttl {
				continue
			}

			s.live[token] = &Session{
				Token:     token,
				ClientID:  rec.ClientID,
				CreatedAt: created,
				Schedule:  rec.Schedule,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n := len(s.live); n > 0 {
		s.logger.Info("rehydrated sessions", slog.Int("count", n))
	}
	return nil
}

// Create issues a new session for a client.
//
// Description:
//
//	Mints a fresh token, records the session in memory, and mirrors it
//	into badger with the store TTL. The schedule is owned by the session
//	from this point on and never shared across sessions.
//
// Thread Safety: safe for concurrent use.
func (s *Store) Create(ctx context.Context, clientID string, schedule chaos.Schedule) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Store.Create")
	defer span.End()

	sess := &Session{
		Token:     uuid.NewString(),
		ClientID:  clientID,
		CreatedAt: time.Now(),
		Schedule:  schedule,
	}
	span.SetAttributes(attribute.String("session.token", sess.Token[:8]))

	if err := s.persist(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	s.live[sess.Token] = sess
	s.mu.Unlock()

	s.logger.Info("session created",
		slog.String("token", sess.Token[:8]),
		slog.Int64("seed", sess.Schedule.Seed),
	)
	return sess, nil
}

// Consume claims a session for verification, exactly once.
//
// Description:
//
//	Looks the token up in memory first, then in badger (the restart
//	path). An unknown token returns ErrNotFound, a token past the TTL
//	returns ErrExpired, and a token that was already consumed returns
//	ErrConsumed deterministically. On success the returned session is
//	marked consumed and a consumed tombstone replaces the badger record,
//	so the at-most-once guarantee also holds across restarts.
//
// Thread Safety: safe for concurrent use; duplicate concurrent calls for
// one token resolve to one success and one ErrConsumed.
func (s *Store) Consume(ctx context.Context, token string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Store.Consume")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live[token]
	if !ok {
		loaded, err := s.load(token)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		sess = loaded
	}

	if sess.Consumed {
		span.SetStatus(codes.Error, "already consumed")
		return nil, ErrConsumed
	}
	if time.Since(sess.CreatedAt) > s.ttl {
		delete(s.live, token)
		s.dropRecord(token)
		span.SetStatus(codes.Error, "expired")
		return nil, ErrExpired
	}

	sess.Consumed = true
	delete(s.live, token)
	if err := s.persist(sess); err != nil {
		// The in-memory transition already happened; a persistence miss
		// only weakens the restart path, so log and continue.
		s.logger.Warn("failed to persist consumed tombstone",
			slog.String("token", token[:8]),
			slog.String("error", err.Error()),
		)
	}

	span.SetAttributes(attribute.String("session.token", token[:8]))
	return sess, nil
}

// LiveCount reports how many unconsumed sessions the store holds. Because
// unconsumed records are rehydrated at open, the count carries across
// restarts.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Store) persist(sess *Session) error {
	rec := record{
		ClientID:  sess.ClientID,
		CreatedAt: sess.CreatedAt.UnixMilli(),
		Consumed:  sess.Consumed,
		Schedule:  sess.Schedule,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+sess.Token), payload).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// load reads a session from badger. Expired records surface as ErrNotFound
// because badger's TTL may already have dropped them.
func (s *Store) load(token string) (*Session, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + token))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &Session{
		Token:     token,
		ClientID:  rec.ClientID,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		Schedule:  rec.Schedule,
		Consumed:  rec.Consumed,
	}, nil
}

func (s *Store) dropRecord(token string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + token))
	})
	if err != nil {
		s.logger.Debug("failed to drop expired session record",
			slog.String("token", token[:8]),
			slog.String("error", err.Error()),
		)
	}
}
