package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/ledger"
)

var t0 = time.Date(2024, 6, 30, 15, 0, 0, 0, time.UTC)

func TestGetBalance_UnknownConsumer(t *testing.T) {
	s := createTestStore(t)

	b, err := s.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, ir.ConsumerBalance{ConsumerID: "nobody"}, b)
}

func TestPutBalance_Upsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutBalance(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 100, Available: 100}))
	require.NoError(t, s.PutBalance(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 100, Available: 60, Used: 40, TransactionCount: 2}))

	b, err := s.GetBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ConsumerBalance{ConsumerID: "c-1", Total: 100, Available: 60, Used: 40, TransactionCount: 2}, b)
}

func TestCommit_WritesBalanceHistoryAndSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e1 := ledger.Entry{Seq: 1, ConsumerID: "c-1", EventID: "e-1", EventType: ir.EventPurchase, Points: 500, OccurredAt: t0}
	e2 := ledger.Entry{Seq: 2, ConsumerID: "c-1", EventID: "r-1", EventType: ir.EventRedemption, Points: -40, OccurredAt: t0.Add(time.Hour)}
	require.NoError(t, s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 500, Available: 500, TransactionCount: 1}, e1))
	require.NoError(t, s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 500, Available: 460, Used: 40, TransactionCount: 2}, e2))

	b, err := s.GetBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(460), b.Available)

	h, err := s.History(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, e1.History(), h[0])
	assert.Equal(t, ir.EventRedemption, h[1].EventType)
	assert.True(t, h[1].OccurredAt.Equal(e2.OccurredAt))

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestCommit_DuplicateSeqRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := ledger.Entry{Seq: 1, ConsumerID: "c-1", EventID: "e-1", EventType: ir.EventPurchase, Points: 10, OccurredAt: t0}
	require.NoError(t, s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 10, Available: 10, TransactionCount: 1}, e))

	err := s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-1", Total: 999, Available: 999, TransactionCount: 2}, e)
	require.Error(t, err)

	b, err := s.GetBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Total, "balance update rolled back with the entry")
}

func TestHistory_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)

	h, err := s.History(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Empty(t, h)
}

func TestRange_ConsumerOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c-b", "c-a", "c-c"} {
		require.NoError(t, s.PutBalance(ctx, ir.ConsumerBalance{ConsumerID: id, Total: 1, Available: 1}))
	}

	var ids []string
	require.NoError(t, s.Range(ctx, func(b ir.ConsumerBalance) error {
		ids = append(ids, b.ConsumerID)
		return nil
	}))
	assert.Equal(t, []string{"c-a", "c-b", "c-c"}, ids)
}

func TestStore_BacksLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	l, err := ledger.New(ctx, s)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Post(ctx, ledger.Posting{
					ConsumerID: fmt.Sprintf("c-%d", c),
					EventID:    fmt.Sprintf("e-%d-%d", c, i),
					EventType:  ir.EventPurchase,
					Points:     10,
					OccurredAt: t0,
				})
				if err != nil {
					t.Errorf("post: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()

	_, err = l.Post(ctx, ledger.Posting{ConsumerID: "c-0", EventID: "r-1", EventType: ir.EventRedemption, Points: -150, OccurredAt: t0})
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientBalance(err))
	require.NoError(t, s.Close())

	// Reopen: balances, history and sequence survive.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	l2, err := ledger.New(ctx, s2)
	require.NoError(t, err)
	assert.Equal(t, int64(40), l2.Seq())

	b, err := l2.GetBalance(ctx, "c-0")
	require.NoError(t, err)
	assert.Equal(t, ir.ConsumerBalance{ConsumerID: "c-0", Total: 100, Available: 100, TransactionCount: 10}, b)

	h, err := l2.History(ctx, "c-3")
	require.NoError(t, err)
	assert.Len(t, h, 10)
}

func TestConsumerSeq_PerConsumerMark(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-b", Total: 50, Available: 50, TransactionCount: 1},
		ledger.Entry{Seq: 2, ConsumerID: "c-b", Points: 50, OccurredAt: t0}))
	require.NoError(t, s.Commit(ctx, ir.ConsumerBalance{ConsumerID: "c-a", Total: 30, Available: 30, TransactionCount: 1},
		ledger.Entry{Seq: 1, ConsumerID: "c-a", Points: 30, OccurredAt: t0}))

	a, err := s.ConsumerSeq(ctx, "c-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a)
	b, err := s.ConsumerSeq(ctx, "c-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b)
	none, err := s.ConsumerSeq(ctx, "c-z")
	require.NoError(t, err)
	assert.Equal(t, int64(0), none)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestStore_ReplaysInterleavedJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	journal, err := changelog.NewFileWriter(dir, "changelog.jsonl")
	require.NoError(t, err)

	src, err := ledger.New(ctx, ledger.NewMemoryStore(), ledger.WithJournal(journal))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := src.ApplyDelta(ctx, fmt.Sprintf("c-%d", c), 10); err != nil {
					t.Errorf("apply: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()

	s := createTestStore(t)
	dst, err := ledger.New(ctx, s)
	require.NoError(t, err)
	stats, err := changelog.ReplayFile(ctx, journal.Path(), dst.Restore)
	require.NoError(t, err)
	assert.Equal(t, changelog.ReplayStats{Read: 80, Applied: 80}, stats)

	for c := 0; c < 8; c++ {
		b, err := dst.GetBalance(ctx, fmt.Sprintf("c-%d", c))
		require.NoError(t, err)
		assert.Equal(t, int64(100), b.Available)
	}
	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), seq)
}
