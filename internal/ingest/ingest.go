// Package ingest consumes events from Kafka and feeds them to the engine.
//
// Messages are sharded by consumer ID across a fixed set of workers, so
// events for one consumer are processed in the order they were read while
// different consumers proceed in parallel. Offsets are committed only once
// every earlier message on the same partition has finished, which gives
// at-least-once delivery.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/metrics"
)

// DefaultWorkers is the shard count when none is configured.
const DefaultWorkers = 4

// maxInFlight bounds fetched-but-unfinished messages per worker.
const maxInFlight = 64

// MessageReader abstracts kafka.Reader for testability.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter abstracts kafka.Writer for testability.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Processor runs one event. *engine.Engine implements it.
type Processor interface {
	ProcessEvent(ctx context.Context, ev ir.Event) (ir.EventResult, error)
}

// Ingester is the Kafka event consumer.
type Ingester struct {
	reader  MessageReader
	results MessageWriter
	engine  Processor
	workers int
	metrics *metrics.Registry
	logger  *slog.Logger

	offsets *offsetTracker
	hasher  kafka.Hash
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithResultWriter publishes every EventResult, keyed by consumer ID.
func WithResultWriter(w MessageWriter) Option {
	return func(i *Ingester) {
		i.results = w
	}
}

// WithWorkers sets the shard count.
func WithWorkers(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithMetrics counts consumed and failed messages.
func WithMetrics(m *metrics.Registry) Option {
	return func(i *Ingester) {
		i.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) {
		i.logger = l
	}
}

// New creates an Ingester reading from r.
func New(r MessageReader, p Processor, opts ...Option) *Ingester {
	i := &Ingester{
		reader:  r,
		engine:  p,
		workers: DefaultWorkers,
		logger:  slog.Default(),
		offsets: newOffsetTracker(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewKafkaReader creates a consumer-group reader for the events topic.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// NewKafkaResultWriter creates a writer for the results topic.
func NewKafkaResultWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled or a worker fails. Cancellation is a
// clean stop and returns nil; unfinished messages stay uncommitted and are
// redelivered.
func (i *Ingester) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]*shardQueue, i.workers)
	shards := make([]int, i.workers)
	inflight := make(chan struct{}, i.workers*maxInFlight)
	for n := range queues {
		queues[n] = newShardQueue()
		shards[n] = n
		q := queues[n]
		shard := n
		g.Go(func() error {
			return i.work(gctx, shard, q, inflight)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				q.Close()
			}
		}()
		return i.fetch(gctx, queues, shards, inflight)
	})

	i.logger.Info("ingest started", "workers", i.workers)
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	i.logger.Info("ingest stopped", "error", err)
	return err
}

// fetch reads messages and routes them to shard queues.
func (i *Ingester) fetch(ctx context.Context, queues []*shardQueue, shards []int, inflight chan struct{}) error {
	for {
		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		m, err := i.reader.FetchMessage(ctx)
		if err != nil {
			<-inflight
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: fetch: %w", err)
		}
		i.offsets.Fetched(m)
		if i.metrics != nil {
			i.metrics.IngestConsumed.Inc()
		}

		ev, err := ir.DecodeEvent(m.Value)
		if err != nil {
			// Undecodable messages can never succeed; skip them.
			i.logger.Warn("skipping undecodable message",
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			i.failed()
			<-inflight
			if err := i.offsets.Complete(ctx, m, i.reader.CommitMessages); err != nil {
				return fmt.Errorf("ingest: commit: %w", err)
			}
			continue
		}

		shard := i.hasher.Balance(kafka.Message{Key: []byte(ev.ConsumerID)}, shards...)
		queues[shard].Enqueue(item{msg: m, event: ev})
	}
}

// work drains one shard queue.
func (i *Ingester) work(ctx context.Context, shard int, q *shardQueue, inflight chan struct{}) error {
	logger := i.logger.With("shard", shard)
	for {
		it, ok := q.TryDequeue()
		if ok {
			err := i.handle(ctx, logger, it)
			<-inflight
			if err != nil {
				return err
			}
			continue
		}
		if q.Drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.Wait():
		}
	}
}

// handle processes one event, publishes its result and commits.
func (i *Ingester) handle(ctx context.Context, logger *slog.Logger, it item) error {
	res, err := i.engine.ProcessEvent(ctx, it.event)
	if err != nil && !engine.IsValidationError(err) {
		i.failed()
		return fmt.Errorf("ingest: event %s: %w", it.event.ID, err)
	}
	if err != nil {
		logger.Warn("event rejected", "event_id", it.event.ID, "error", err)
	}

	if i.results != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("ingest: marshal result: %w", err)
		}
		if err := i.results.WriteMessages(ctx, kafka.Message{Key: []byte(res.ConsumerID), Value: b}); err != nil {
			i.failed()
			return fmt.Errorf("ingest: write result %s: %w", it.event.ID, err)
		}
	}

	if err := i.offsets.Complete(ctx, it.msg, i.reader.CommitMessages); err != nil {
		return fmt.Errorf("ingest: commit: %w", err)
	}
	logger.Debug("event ingested",
		"event_id", it.event.ID,
		"consumer_id", it.event.ConsumerID,
		"offset", it.msg.Offset,
	)
	return nil
}

func (i *Ingester) failed() {
	if i.metrics != nil {
		i.metrics.IngestFailed.Inc()
	}
}
