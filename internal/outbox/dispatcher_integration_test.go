//go:build integration

package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger/postgres"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

func TestDispatcherPublishesAndMarksRows(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := postgres.NewRepository(pool)

	_, err := repo.UpsertDailySteps(ctx, "u1", "2026-10-15", 4200)
	require.NoError(t, err)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 3}
	d := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 10, WithLogger(zaptest.NewLogger(t)))

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeBatches := histogramSampleCount(t)
	require.NoError(t, d.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, events.TopicDailySteps, producer.writes[0].topic)
	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Equal(t, beforeBatches+1, histogramSampleCount(t))

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Zero(t, pending)

	// nothing left to claim
	require.NoError(t, d.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestFailedDeliveryRoundTripsThroughDLQ(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := postgres.NewRepository(pool)

	_, err := repo.UpsertDailySteps(ctx, "u1", "2026-10-15", 900)
	require.NoError(t, err)

	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues(events.TopicDailySteps))
	failing := NewDispatcher(pool, &stubProducer{err: errors.New("kafka unavailable")}, &stubRegistry{}, 10*time.Millisecond, 10)
	require.NoError(t, failing.processBatch(ctx))
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues(events.TopicDailySteps)), 0.0001)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq`).Scan(&reason))
	require.Contains(t, reason, "kafka unavailable")

	manager := NewDLQManager(pool, 3, time.Second, WithDLQLogger(zaptest.NewLogger(t)))
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))

	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{}, 10*time.Millisecond, 10).processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	_, err := pool.Exec(ctx, `INSERT INTO outbox_dlq (event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, reason, retry_count)
        VALUES (1, 'daily_steps', 'u1', 'steps.upserted', 'daily_steps_changes', 'daily_steps_changes-value', 'u1', '{}', 'boom', 5)`)
	require.NoError(t, err)

	requeued, err := NewDLQManager(pool, 5, time.Second).RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)

	var quarantined bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantined_at IS NOT NULL FROM outbox_dlq`).Scan(&quarantined))
	require.True(t, quarantined)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	return metric.GetHistogram().GetSampleCount()
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("stepsync"),
		postgrescontainer.WithUsername("stepsync"),
		postgrescontainer.WithPassword("stepsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		p, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return false
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return false
		}
		pool = p
		return true
	}, 30*time.Second, time.Second)
	t.Cleanup(pool.Close)

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	files, err := filepath.Glob(filepath.Join(filepath.Dir(file), "../../db/postgres/migrations/*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)
	for _, path := range files {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(content))
		require.NoErrorf(t, err, "execute migration %s", path)
	}
	return pool
}
