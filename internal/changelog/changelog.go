// Package changelog is the append-only journal of applied ledger deltas.
//
// Every successful posting is appended as one Delta. The journal is the
// recovery source for balances: Replay feeds deltas back into a ledger,
// which skips any sequence number it has already applied.
package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/loyalty/internal/ir"
)

// Delta is one applied balance change.
type Delta struct {
	Seq        int64        `json:"seq"`
	ConsumerID string       `json:"consumerId"`
	EventID    string       `json:"eventId"`
	EventType  ir.EventType `json:"eventType"`
	Points     int64        `json:"points"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// Writer appends deltas to a journal.
type Writer interface {
	Append(ctx context.Context, d Delta) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a writer that appends to every ws in order.
func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

// Append stops at the first failing writer.
func (m *MultiWriter) Append(ctx context.Context, d Delta) error {
	for _, w := range m.writers {
		if err := w.Append(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends deltas as JSON lines to a single file.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

// NewFileWriter creates dir if needed and targets dir/filename.
func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

// Path returns the journal file path.
func (w *FileWriter) Path() string {
	return w.path
}

// Append writes d as one line. Safe for concurrent use.
func (w *FileWriter) Append(_ context.Context, d Delta) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes deltas to a Kafka topic keyed by consumer ID, so
// one consumer's deltas stay on one partition and in order.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

// Append publishes d synchronously.
func (k *KafkaWriter) Append(ctx context.Context, d Delta) error {
	b, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ConsumerID), Value: b})
}

// Close closes the underlying writer when it supports closing.
func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SplitBrokers parses a comma-separated broker list, dropping blanks.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// ReplayStats summarizes a Replay run.
type ReplayStats struct {
	Read    int
	Applied int
	Skipped int
}

// ApplyFunc applies one delta and reports whether it changed state.
// Deltas already reflected in the target are skipped, not re-applied.
type ApplyFunc func(ctx context.Context, d Delta) (applied bool, err error)

// Replay reads a JSON-lines journal from r and feeds each delta to apply in
// file order. Blank lines are ignored. It stops at the first malformed line
// or apply failure.
func Replay(ctx context.Context, r io.Reader, apply ApplyFunc) (ReplayStats, error) {
	var stats ReplayStats
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for s.Scan() {
		line++
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var d Delta
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return stats, fmt.Errorf("line %d: unmarshal: %w", line, err)
		}
		stats.Read++
		applied, err := apply(ctx, d)
		if err != nil {
			return stats, fmt.Errorf("line %d: apply seq %d: %w", line, d.Seq, err)
		}
		if applied {
			stats.Applied++
		} else {
			stats.Skipped++
		}
	}
	if err := s.Err(); err != nil {
		return stats, fmt.Errorf("scan: %w", err)
	}
	return stats, nil
}

// ReplayFile opens path and calls Replay.
func ReplayFile(ctx context.Context, path string, apply ApplyFunc) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReplayStats{}, fmt.Errorf("journal %s: %w", path, err)
		}
		return ReplayStats{}, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return Replay(ctx, f, apply)
}
