// Package postgres implements the remote ledger on PostgreSQL with a
// transactional outbox feeding the change stream.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

const dateLayout = "2006-01-02"

// Repository provides Postgres-backed persistence for daily steps,
// challenges and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

var _ ledger.Ledger = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertDailySteps writes the count and records a change event when the
// stored value actually changed.
func (r *Repository) UpsertDailySteps(ctx context.Context, userID string, date domain.Date, count int) (changed bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const upsert = `INSERT INTO daily_steps (user_id, step_date, step_count, updated_at)
        VALUES ($1, $2::date, $3, NOW())
        ON CONFLICT (user_id, step_date) DO UPDATE
            SET step_count = EXCLUDED.step_count, updated_at = EXCLUDED.updated_at
            WHERE daily_steps.step_count IS DISTINCT FROM EXCLUDED.step_count
        RETURNING updated_at`

	var updatedAt time.Time
	err = tx.QueryRow(ctx, upsert, userID, date.String(), count).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.Commit(ctx)
		return false, err
	}
	if err != nil {
		return false, err
	}

	if err = r.insertOutbox(ctx, tx, "daily_steps", userID, events.TypeStepsUpserted, userID, events.StepsUpserted{
		UserID:    userID,
		Date:      date.String(),
		Count:     count,
		UpdatedAt: updatedAt.UTC(),
	}); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListDailySteps returns the user's rows in [from, to], newest first.
func (r *Repository) ListDailySteps(ctx context.Context, userID string, from, to domain.Date) ([]domain.DailyStepRecord, error) {
	const query = `SELECT user_id, step_date, step_count, updated_at
        FROM daily_steps
        WHERE user_id = $1 AND step_date BETWEEN $2::date AND $3::date
        ORDER BY step_date DESC`

	rows, err := r.pool.Query(ctx, query, userID, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.DailyStepRecord, 0)
	for rows.Next() {
		var (
			rec       domain.DailyStepRecord
			stepDate  time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&rec.UserID, &stepDate, &rec.Count, &updatedAt); err != nil {
			return nil, err
		}
		rec.Date = domain.Date(stepDate.Format(dateLayout))
		rec.LastSyncedAt = updatedAt
		results = append(results, rec)
	}
	return results, rows.Err()
}

// CreateChallenge inserts a new challenge, defaulting to the active status.
func (r *Repository) CreateChallenge(ctx context.Context, challenge domain.Challenge) error {
	if strings.TrimSpace(challenge.ID) == "" {
		challenge.ID = uuid.NewString()
	}
	if challenge.Status == "" {
		challenge.Status = domain.ChallengeActive
	}

	const stmt = `INSERT INTO challenges (challenge_id, user_id, partner_id, kind, goal, challenge_day, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6::date, $7, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, stmt,
		challenge.ID,
		challenge.UserID,
		nullIfEmpty(challenge.PartnerID),
		challenge.Kind,
		challenge.Goal,
		challenge.Day.String(),
		challenge.Status,
	)
	return err
}

const challengeColumns = `challenge_id, user_id, COALESCE(partner_id, ''), kind, goal, challenge_day, status, created_at, updated_at, completed_at`

// GetChallenge returns nil when the challenge does not exist.
func (r *Repository) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE challenge_id = $1`, id)
	ch, err := scanChallenge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChallenges returns challenges the user owns or shares as partner.
func (r *Repository) ListChallenges(ctx context.Context, userID string) ([]domain.Challenge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE user_id = $1 OR partner_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Challenge, 0)
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ch)
	}
	return results, rows.Err()
}

// CompleteChallenge marks the challenge completed only while it is still active.
func (r *Repository) CompleteChallenge(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, domain.ChallengeActive, domain.ChallengeCompleted, &at)
}

// TransitionChallenge moves the challenge between statuses, conditioned on from.
func (r *Repository) TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus) (bool, error) {
	return r.transition(ctx, id, from, to, nil)
}

func (r *Repository) transition(ctx context.Context, id string, from, to domain.ChallengeStatus, completedAt *time.Time) (ok bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE challenges
           SET status = $3, updated_at = NOW(), completed_at = COALESCE($4::timestamptz, completed_at)
         WHERE challenge_id = $1 AND status = $2
        RETURNING ` + challengeColumns

	ch, err := scanChallenge(tx.QueryRow(ctx, stmt, id, from, to, completedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE challenge_id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		if !exists {
			return false, domain.ErrChallengeNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err = r.insertOutbox(ctx, tx, "challenge", ch.ID, events.TypeChallengeStatusChanged, ch.ID, events.ChallengeStatusChanged{
		ChallengeID: ch.ID,
		UserID:      ch.UserID,
		PartnerID:   ch.PartnerID,
		Status:      string(ch.Status),
		OccurredAt:  ch.UpdatedAt.UTC(),
		CompletedAt: ch.CompletedAt,
	}); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		uuid.NewString(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (domain.Challenge, error) {
	var (
		ch  domain.Challenge
		day time.Time
	)
	if err := row.Scan(&ch.ID, &ch.UserID, &ch.PartnerID, &ch.Kind, &ch.Goal, &day, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt, &ch.CompletedAt); err != nil {
		return domain.Challenge{}, err
	}
	ch.Day = domain.Date(day.Format(dateLayout))
	return ch, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeStepsUpserted: {
		Topic:         events.TopicDailySteps,
		SchemaSubject: events.TopicDailySteps + "-value",
	},
	events.TypeChallengeStatusChanged: {
		Topic:         events.TopicChallengeChanges,
		SchemaSubject: events.TopicChallengeChanges + "-value",
	},
}
