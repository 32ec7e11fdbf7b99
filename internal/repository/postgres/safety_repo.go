// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fr4nsys/remedia/internal/models"
)

// ErrVersionConflict is returned when an optimistic breaker update lost the
// race against another writer. Callers should re-read and retry.
var ErrVersionConflict = errors.New("circuit breaker version conflict")

// SafetyRepository persists circuit breaker and rate limiter state. Both are
// keyed by scope and shared across workers, so every mutation is either an
// optimistic compare-and-swap (breakers) or a single transactional
// check-and-increment (rate windows).
type SafetyRepository struct {
	db *DB
}

// NewSafetyRepository creates a new safety state repository.
func NewSafetyRepository(db *DB) *SafetyRepository {
	return &SafetyRepository{db: db}
}

// GetBreaker returns the breaker row for a scope, or a fresh closed breaker
// when none exists yet.
func (r *SafetyRepository) GetBreaker(ctx context.Context, scope string) (*models.CircuitBreaker, error) {
	b := &models.CircuitBreaker{}
	err := r.db.QueryRow(ctx, `
		SELECT scope, state, consecutive_failures, probe_in_flight, opened_at, cooldown_until, version, updated_at
		FROM circuit_breakers WHERE scope = $1`, scope).Scan(
		&b.Scope, &b.State, &b.ConsecutiveFailures, &b.ProbeInFlight,
		&b.OpenedAt, &b.CooldownUntil, &b.Version, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.CircuitBreaker{Scope: scope, State: models.BreakerClosed}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SaveBreaker writes breaker state with optimistic locking: the update only
// lands if the stored version still matches the one the caller read. On
// success the breaker's version is bumped in place.
func (r *SafetyRepository) SaveBreaker(ctx context.Context, b *models.CircuitBreaker) error {
	if b.Version == 0 {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO circuit_breakers (scope, state, consecutive_failures, probe_in_flight, opened_at, cooldown_until, version, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,1,now())
			ON CONFLICT (scope) DO NOTHING`,
			b.Scope, b.State, b.ConsecutiveFailures, b.ProbeInFlight, b.OpenedAt, b.CooldownUntil,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		b.Version = 1
		return nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE circuit_breakers SET
			state=$2, consecutive_failures=$3, probe_in_flight=$4, opened_at=$5, cooldown_until=$6,
			version=version+1, updated_at=now()
		WHERE scope=$1 AND version=$7`,
		b.Scope, b.State, b.ConsecutiveFailures, b.ProbeInFlight, b.OpenedAt, b.CooldownUntil, b.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	b.Version++
	return nil
}

// ListBreakers returns all breaker rows for inspection.
func (r *SafetyRepository) ListBreakers(ctx context.Context) ([]*models.CircuitBreaker, error) {
	rows, err := r.db.Query(ctx, `
		SELECT scope, state, consecutive_failures, probe_in_flight, opened_at, cooldown_until, version, updated_at
		FROM circuit_breakers ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CircuitBreaker
	for rows.Next() {
		b := &models.CircuitBreaker{}
		if err := rows.Scan(
			&b.Scope, &b.State, &b.ConsecutiveFailures, &b.ProbeInFlight,
			&b.OpenedAt, &b.CooldownUntil, &b.Version, &b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResetBreaker forces a scope's breaker back to closed. Operator action.
func (r *SafetyRepository) ResetBreaker(ctx context.Context, scope string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE circuit_breakers SET
			state='closed', consecutive_failures=0, probe_in_flight=false,
			opened_at=NULL, cooldown_until=NULL, version=version+1, updated_at=now()
		WHERE scope=$1`, scope)
	return err
}

// GetRateWindow returns the current window row for a scope, or nil when the
// scope has never executed.
func (r *SafetyRepository) GetRateWindow(ctx context.Context, scope string) (*models.RateWindow, error) {
	w := &models.RateWindow{}
	err := r.db.QueryRow(ctx, `
		SELECT scope, attempts, cooldown_until, updated_at FROM rate_windows WHERE scope = $1`, scope).Scan(
		&w.Scope, &w.Attempts, &w.CooldownUntil, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// TryAcquireSlot atomically counts the scope's attempts in the trailing
// window and, when a slot is free, records the new attempt in the same
// transaction. Hitting the limit arms a cooldown that keeps denying even
// after old attempts age out. A per-scope advisory lock serializes
// concurrent admits so two callers can never both take the last slot.
// Returns whether the slot was granted and the count observed before the
// grant.
func (r *SafetyRepository) TryAcquireSlot(ctx context.Context, scope string, max int, window, cooldown time.Duration, now time.Time) (bool, int, error) {
	granted := false
	observed := 0

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock($1)`, scopeLockKey(scope)); err != nil {
			return err
		}

		var attempts []time.Time
		var cooldownUntil *time.Time
		err := tx.QueryRow(ctx,
			`SELECT attempts, cooldown_until FROM rate_windows WHERE scope = $1`, scope).
			Scan(&attempts, &cooldownUntil)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// Prune attempts that left the trailing window.
		cutoff := now.Add(-window)
		recent := attempts[:0]
		for _, at := range attempts {
			if at.After(cutoff) {
				recent = append(recent, at)
			}
		}

		observed = len(recent)
		if cooldownUntil != nil && now.Before(*cooldownUntil) {
			return saveRateWindow(ctx, tx, scope, recent, cooldownUntil)
		}
		if len(recent) >= max {
			if cooldown > 0 {
				until := now.Add(cooldown)
				cooldownUntil = &until
			}
			return saveRateWindow(ctx, tx, scope, recent, cooldownUntil)
		}

		recent = append(recent, now)
		if err := saveRateWindow(ctx, tx, scope, recent, nil); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, observed, err
}

func saveRateWindow(ctx context.Context, tx pgx.Tx, scope string, attempts []time.Time, cooldownUntil *time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rate_windows (scope, attempts, cooldown_until, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (scope) DO UPDATE SET
			attempts=excluded.attempts, cooldown_until=excluded.cooldown_until, updated_at=now()`,
		scope, attempts, cooldownUntil)
	return err
}

// scopeLockKey maps a scope string onto the advisory lock keyspace.
func scopeLockKey(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope)) //nolint:errcheck
	return int64(h.Sum64())
}

// SafetyStatus assembles the inspection snapshot for a scope.
func (r *SafetyRepository) SafetyStatus(ctx context.Context, scope string, rateLimit int) (*models.SafetyStatus, error) {
	breaker, err := r.GetBreaker(ctx, scope)
	if err != nil {
		return nil, err
	}
	window, err := r.GetRateWindow(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &models.SafetyStatus{
		Scope:      scope,
		Breaker:    breaker,
		RateWindow: window,
		RateLimit:  rateLimit,
	}, nil
}
