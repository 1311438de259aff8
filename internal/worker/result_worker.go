package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

var proctorEventColumns = []string{"exam_id", "test_taker_id", "seq", "category", "message", "evidence", "recorded_at"}

// ResultWorker drains finalized session results from Redis into PostgreSQL.
type ResultWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewResultWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "result_worker").Logger(),
	}
}

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	buffer := make([]*model.Result, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistResultsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		res, err := decodeResult([]byte(result[1]))
		if err != nil {
			// Malformed payloads can never succeed; drop them.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed result")
			continue
		}
		buffer = append(buffer, res)
	}
}

func decodeResult(data []byte) (*model.Result, error) {
	var res model.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	if res.ExamID == "" || res.TestTakerID == "" {
		return nil, fmt.Errorf("result without exam or test-taker id")
	}
	if !res.State.IsTerminal() {
		return nil, fmt.Errorf("result in non-terminal state %q", res.State)
	}
	return &res, nil
}

// flushSafe attempts one transaction for the whole batch, then one per
// result, then requeues what still fails.
func (w *ResultWorker) flushSafe(ctx context.Context, batch []*model.Result) {
	if err := w.persist(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk persist failed, attempting row-by-row recovery")
		w.fallbackPersist(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Persisted session results")
}

func (w *ResultWorker) fallbackPersist(ctx context.Context, batch []*model.Result) {
	requeueList := make([]*model.Result, 0)

	for _, res := range batch {
		if err := w.persist(ctx, []*model.Result{res}); err != nil {
			w.log.Error().Err(err).
				Str("exam_id", res.ExamID).
				Str("test_taker_id", res.TestTakerID).
				Msg("Persist failed, requeueing")
			requeueList = append(requeueList, res)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

// persist upserts the results and replaces their proctor events.
func (w *ResultWorker) persist(ctx context.Context, batch []*model.Result) error {
	cols, err := newResultColumns(batch)
	if err != nil {
		return err
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO session_results (
			exam_id, test_taker_id, state, reason, answers, review, question_order,
			tab_switches, violation_count, remaining_seconds,
			attempted, review_count, unattempted, started_at, finished_at
		)
		SELECT
			u.exam_id, u.test_taker_id, u.state, u.reason,
			u.answers::jsonb, u.review::jsonb, u.question_order::jsonb,
			u.tab_switches, u.violation_count, u.remaining_seconds,
			u.attempted, u.review_count, u.unattempted, u.started_at, u.finished_at
		FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[],
			$5::text[], $6::text[], $7::text[],
			$8::int[], $9::int[], $10::int[],
			$11::int[], $12::int[], $13::int[],
			$14::timestamptz[], $15::timestamptz[]
		) AS u (
			exam_id, test_taker_id, state, reason, answers, review, question_order,
			tab_switches, violation_count, remaining_seconds,
			attempted, review_count, unattempted, started_at, finished_at
		)
		ON CONFLICT (exam_id, test_taker_id) DO UPDATE SET
			state             = EXCLUDED.state,
			reason            = EXCLUDED.reason,
			answers           = EXCLUDED.answers,
			review            = EXCLUDED.review,
			question_order    = EXCLUDED.question_order,
			tab_switches      = EXCLUDED.tab_switches,
			violation_count   = EXCLUDED.violation_count,
			remaining_seconds = EXCLUDED.remaining_seconds,
			attempted         = EXCLUDED.attempted,
			review_count      = EXCLUDED.review_count,
			unattempted       = EXCLUDED.unattempted,
			started_at        = EXCLUDED.started_at,
			finished_at       = EXCLUDED.finished_at`,
		cols.examIDs, cols.takerIDs, cols.states, cols.reasons,
		cols.answers, cols.reviews, cols.orders,
		cols.tabSwitches, cols.violationCounts, cols.remaining,
		cols.attempted, cols.reviewCounts, cols.unattempted,
		cols.startedAts, cols.finishedAts,
	)
	if err != nil {
		return fmt.Errorf("upsert results: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM proctor_events e
		USING UNNEST($1::text[], $2::text[]) AS u (exam_id, test_taker_id)
		WHERE e.exam_id = u.exam_id AND e.test_taker_id = u.test_taker_id`,
		cols.examIDs, cols.takerIDs,
	)
	if err != nil {
		return fmt.Errorf("clear proctor events: %w", err)
	}

	if rows := proctorEventRows(batch); len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"proctor_events"}, proctorEventColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy proctor events: %w", err)
		}
	}

	return tx.Commit(ctx)
}

type resultColumns struct {
	examIDs, takerIDs, states, reasons []string
	answers, reviews, orders           []string
	tabSwitches, violationCounts       []int
	remaining                          []int
	attempted, reviewCounts            []int
	unattempted                        []int
	startedAts, finishedAts            []time.Time
}

// newResultColumns pivots a batch into the column arrays fed to UNNEST.
func newResultColumns(batch []*model.Result) (*resultColumns, error) {
	n := len(batch)
	c := &resultColumns{
		examIDs: make([]string, 0, n), takerIDs: make([]string, 0, n),
		states: make([]string, 0, n), reasons: make([]string, 0, n),
		answers: make([]string, 0, n), reviews: make([]string, 0, n), orders: make([]string, 0, n),
		tabSwitches: make([]int, 0, n), violationCounts: make([]int, 0, n), remaining: make([]int, 0, n),
		attempted: make([]int, 0, n), reviewCounts: make([]int, 0, n), unattempted: make([]int, 0, n),
		startedAts: make([]time.Time, 0, n), finishedAts: make([]time.Time, 0, n),
	}

	for _, r := range batch {
		answers, err := marshalOr(r.Answers, "{}")
		if err != nil {
			return nil, fmt.Errorf("marshal answers: %w", err)
		}
		review, err := marshalOr(r.Review, "[]")
		if err != nil {
			return nil, fmt.Errorf("marshal review: %w", err)
		}
		order, err := marshalOr(r.QuestionOrder, "[]")
		if err != nil {
			return nil, fmt.Errorf("marshal question order: %w", err)
		}

		c.examIDs = append(c.examIDs, r.ExamID)
		c.takerIDs = append(c.takerIDs, r.TestTakerID)
		c.states = append(c.states, string(r.State))
		c.reasons = append(c.reasons, string(r.Reason))
		c.answers = append(c.answers, answers)
		c.reviews = append(c.reviews, review)
		c.orders = append(c.orders, order)
		c.tabSwitches = append(c.tabSwitches, r.TabSwitches)
		c.violationCounts = append(c.violationCounts, len(r.Violations))
		c.remaining = append(c.remaining, r.RemainingSeconds)
		c.attempted = append(c.attempted, r.Stats.Attempted)
		c.reviewCounts = append(c.reviewCounts, r.Stats.Review)
		c.unattempted = append(c.unattempted, r.Stats.Unattempted)
		c.startedAts = append(c.startedAts, r.StartedAt)
		c.finishedAts = append(c.finishedAts, r.FinishedAt)
	}
	return c, nil
}

func marshalOr[T any](v T, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// proctorEventRows flattens every violation log into COPY rows, keeping the
// log order in seq.
func proctorEventRows(batch []*model.Result) [][]interface{} {
	var rows [][]interface{}
	for _, r := range batch {
		for i, ev := range r.Violations {
			var evidence interface{}
			if ev.Evidence != "" {
				evidence = ev.Evidence
			}
			rows = append(rows, []interface{}{
				r.ExamID, r.TestTakerID, i + 1, string(ev.Category), ev.Message, evidence, ev.Timestamp,
			})
		}
	}
	return rows
}

func (w *ResultWorker) requeue(ctx context.Context, items []*model.Result) {
	pipe := w.rdb.Pipeline()
	for _, r := range items {
		data, _ := json.Marshal(r)
		pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue results to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed results back to Redis")
	// Back off so a database outage does not spin the loop.
	time.Sleep(2 * time.Second)
}

func (w *ResultWorker) shutdown(buffer []*model.Result) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
