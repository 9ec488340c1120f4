package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// CheckpointerConfig tunes the async persistence worker.
type CheckpointerConfig struct {
	// QueueSize bounds the in-flight checkpoint jobs; beyond it the oldest
	// unpersisted job is dropped in favour of the newer state (snapshots
	// supersede each other, the in-memory log stays authoritative).
	QueueSize int
	// MaxElapsed bounds the total retry window per job.
	MaxElapsed time.Duration
}

func DefaultCheckpointerConfig() CheckpointerConfig {
	return CheckpointerConfig{QueueSize: 1024, MaxElapsed: 2 * time.Minute}
}

type checkpointJob struct {
	docID  string
	op     *ot.Operation
	text   string
	vector ot.VersionVector
}

// Checkpointer drains applied operations to the store in the background so
// the document actor never blocks on persistence. Transient failures retry
// with exponential backoff behind a circuit breaker and never surface to
// participants.
type Checkpointer struct {
	store   Store
	cfg     CheckpointerConfig
	breaker *gobreaker.CircuitBreaker
	queue   chan checkpointJob
	logger  *slog.Logger
	done    chan struct{}
}

// NewCheckpointer builds the worker. Run must be called to start draining.
func NewCheckpointer(s Store, cfg CheckpointerConfig, logger *slog.Logger) *Checkpointer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "checkpoint-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Checkpointer{
		store:   s,
		cfg:     cfg,
		breaker: breaker,
		queue:   make(chan checkpointJob, cfg.QueueSize),
		logger:  logger.With("component", "checkpointer"),
		done:    make(chan struct{}),
	}
}

// Enqueue implements engine.Checkpointer. Never blocks the caller: on a full
// queue the oldest job is dropped, since the newest snapshot supersedes it.
func (c *Checkpointer) Enqueue(docID string, op *ot.Operation, text string, vector ot.VersionVector) {
	job := checkpointJob{docID: docID, op: op, text: text, vector: vector.Clone()}
	for {
		select {
		case c.queue <- job:
			return
		default:
		}
		select {
		case dropped := <-c.queue:
			c.logger.Warn("checkpoint queue full, dropping oldest job", "doc", dropped.docID)
		default:
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case job := <-c.queue:
			c.persist(ctx, job)
		}
	}
}

// Wait blocks until the worker has exited.
func (c *Checkpointer) Wait() { <-c.done }

func (c *Checkpointer) persist(ctx context.Context, job checkpointJob) {
	attempt := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.store.AppendCheckpoint(opCtx, job.docID, job.op); err != nil {
				return nil, err
			}
			snap := &Snapshot{Text: job.text, Vector: job.vector}
			return nil, c.store.SaveSnapshot(opCtx, job.docID, snap)
		})
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.MaxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		// Give up on this job; live editing is unaffected and the next
		// applied operation carries a fresh snapshot.
		c.logger.Error("checkpoint persistence lagging",
			"doc", job.docID, "op", job.op.ID.String(), "err", err)
	}
}

// flush makes one last best-effort pass over whatever is still queued.
func (c *Checkpointer) flush() {
	for {
		select {
		case job := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			snap := &Snapshot{Text: job.text, Vector: job.vector}
			if err := c.store.AppendCheckpoint(ctx, job.docID, job.op); err == nil {
				_ = c.store.SaveSnapshot(ctx, job.docID, snap)
			}
			cancel()
		default:
			return
		}
	}
}
