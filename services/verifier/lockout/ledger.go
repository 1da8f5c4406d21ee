// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lockout tracks failed verification attempts per client identity.
//
// The ledger is keyed by client, not by session: lockout state persists
// across session churn and is never cleared by a successful verification
// that happens before the threshold. Only an external reset (dropping the
// database entry) clears it. Counters are updated inside serializable
// badger transactions so two overlapping failed submissions cannot drive
// the reported attempts_left below zero or out of agreement.
package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// DefaultMaxAttempts is the failed-attempt budget per client.
const DefaultMaxAttempts = 3

// keyPrefix namespaces ledger entries inside the shared verifier database.
const keyPrefix = "lockout/"

// recordRetries bounds transaction retries under write conflicts.
const recordRetries = 8

// Status reports a client's standing with the ledger.
type Status struct {
	// AttemptsLeft is the remaining failed-attempt budget. Monotone
	// non-increasing, floored at zero.
	AttemptsLeft int

	// LockedOut is true once the budget is exhausted. Subsequent
	// initialization requests must be refused.
	LockedOut bool
}

// entry is the badger serialization of a client's counter.
type entry struct {
	Failures int `json:"failures"`
}

// Ledger is the per-client attempt store.
//
// Thread Safety: safe for concurrent use; updates go through badger's
// transaction conflict detection.
type Ledger struct {
	db     *badger.DB
	max    int
	logger *slog.Logger
}

// NewLedger creates a ledger over the shared verifier database.
func NewLedger(db *badger.DB, maxAttempts int, logger *slog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if maxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		max:    maxAttempts,
		logger: logger.With(slog.String("component", "lockout_ledger")),
	}, nil
}

// MaxAttempts returns the configured attempt budget.
func (l *Ledger) MaxAttempts() int {
	return l.max
}

// Check reads a client's standing without modifying it.
func (l *Ledger) Check(ctx context.Context, clientID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	var failures int
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		failures, err = readFailures(txn, clientID)
		return err
	})
	if err != nil {
		return Status{}, fmt.Errorf("read lockout entry: %w", err)
	}
	return l.status(failures), nil
}

// Record accounts for the outcome of one verification.
//
// Description:
//
//	A failed verification increments the client's failure counter inside
//	a badger transaction, retrying on write conflict so overlapping
//	submissions serialize cleanly. A successful verification leaves the
//	counter untouched. The returned Status reflects the state after this
//	call.
//
// Thread Safety: safe for concurrent use.
func (l *Ledger) Record(ctx context.Context, clientID string, verified bool) (Status, error) {
	if verified {
		return l.Check(ctx, clientID)
	}

	var failures int
	var lastErr error
	for attempt := 0; attempt < recordRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}
		lastErr = l.db.Update(func(txn *badger.Txn) error {
			current, err := readFailures(txn, clientID)
			if err != nil {
				return err
			}
			// The counter saturates at the budget; there is nothing
			// below zero attempts_left to report.
			if current < l.max {
				current++
			}
			failures = current
			payload, err := json.Marshal(entry{Failures: current})
			if err != nil {
				return fmt.Errorf("marshal lockout entry: %w", err)
			}
			return txn.Set([]byte(keyPrefix+clientID), payload)
		})
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, badger.ErrConflict) {
			return Status{}, fmt.Errorf("update lockout entry: %w", lastErr)
		}
	}
	if lastErr != nil {
		return Status{}, fmt.Errorf("update lockout entry: %w", lastErr)
	}

	st := l.status(failures)
	if st.LockedOut {
		l.logger.Warn("client locked out",
			slog.String("client_id", clientID),
			slog.Int("failures", failures),
		)
	}
	return st, nil
}

func (l *Ledger) status(failures int) Status {
	left := l.max - failures
	if left < 0 {
		left = 0
	}
	return Status{
		AttemptsLeft: left,
		LockedOut:    failures >= l.max,
	}
}

func readFailures(txn *badger.Txn, clientID string) (int, error) {
	item, err := txn.Get([]byte(keyPrefix + clientID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var e entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return 0, err
	}
	return e.Failures, nil
}
