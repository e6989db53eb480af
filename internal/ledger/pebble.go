package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/roach88/loyalty/internal/ir"
)

// Key layout:
//
//	b/<consumer>                  -> balance JSON
//	h/<consumer>\x00<seq uint64>  -> history entry JSON, ordered by seq
//	m/last_seq                    -> uint64 high-water mark
var (
	balancePrefix = []byte("b/")
	historyPrefix = []byte("h/")
	lastSeqKey    = []byte("m/last_seq")
)

// PebbleStore implements Store using PebbleDB.
//
// The consumer's high-water mark is the seq in its last history key.
type PebbleStore struct {
	db *pebble.DB

	// mu serializes Commit so the m/last_seq read-modify-write is atomic
	// across consumers.
	mu sync.Mutex
}

// NewPebbleStore opens (or creates) a store under dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
		WALBytesPerSync:       1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

// Close closes the database.
func (p *PebbleStore) Close() error { return p.db.Close() }

func balanceKey(consumerID string) []byte {
	return append(append([]byte(nil), balancePrefix...), consumerID...)
}

func historyBounds(consumerID string) (lower, upper []byte) {
	lower = append(append([]byte(nil), historyPrefix...), consumerID...)
	upper = append(append([]byte(nil), lower...), 0x01)
	lower = append(lower, 0x00)
	return lower, upper
}

func historyKey(consumerID string, seq int64) []byte {
	lower, _ := historyBounds(consumerID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(lower, buf[:]...)
}

// prefixUpper returns the smallest key greater than every key with prefix.
func prefixUpper(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++
	return upper
}

// GetBalance implements Store.
func (p *PebbleStore) GetBalance(_ context.Context, consumerID string) (ir.ConsumerBalance, error) {
	v, closer, err := p.db.Get(balanceKey(consumerID))
	if errors.Is(err, pebble.ErrNotFound) {
		return ir.ConsumerBalance{ConsumerID: consumerID}, nil
	}
	if err != nil {
		return ir.ConsumerBalance{}, fmt.Errorf("pebble get balance %s: %w", consumerID, err)
	}
	defer closer.Close()

	var b ir.ConsumerBalance
	if err := json.Unmarshal(v, &b); err != nil {
		return ir.ConsumerBalance{}, fmt.Errorf("decode balance %s: %w", consumerID, err)
	}
	b.ConsumerID = consumerID
	return b, nil
}

// PutBalance implements Store.
func (p *PebbleStore) PutBalance(_ context.Context, b ir.ConsumerBalance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	if err := p.db.Set(balanceKey(b.ConsumerID), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble put balance %s: %w", b.ConsumerID, err)
	}
	return nil
}

// Commit implements Store with a single synced batch.
func (p *PebbleStore) Commit(ctx context.Context, b ir.ConsumerBalance, e Entry) error {
	bal, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	hist, err := json.Marshal(e.History())
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	last, err := p.LastSeq(ctx)
	if err != nil {
		return err
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(balanceKey(b.ConsumerID), bal, nil); err != nil {
		return err
	}
	if err := wb.Set(historyKey(b.ConsumerID, e.Seq), hist, nil); err != nil {
		return err
	}
	if e.Seq > last {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(e.Seq))
		if err := wb.Set(lastSeqKey, buf[:], nil); err != nil {
			return err
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit seq %d: %w", e.Seq, err)
	}
	return nil
}

// History implements Store. Entries come back in seq order.
func (p *PebbleStore) History(_ context.Context, consumerID string) ([]ir.HistoryEntry, error) {
	lower, upper := historyBounds(consumerID)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()

	var out []ir.HistoryEntry
	for it.First(); it.Valid(); it.Next() {
		var h ir.HistoryEntry
		if err := json.Unmarshal(it.Value(), &h); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", consumerID, err)
		}
		out = append(out, h)
	}
	return out, it.Error()
}

// LastSeq implements Store.
func (p *PebbleStore) LastSeq(context.Context) (int64, error) {
	v, closer, err := p.db.Get(lastSeqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pebble get last seq: %w", err)
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt last seq: %d bytes", len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// ConsumerSeq implements Store.
func (p *PebbleStore) ConsumerSeq(_ context.Context, consumerID string) (int64, error) {
	lower, upper := historyBounds(consumerID)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()

	if !it.Last() {
		return 0, it.Error()
	}
	key := it.Key()
	if len(key) != len(lower)+8 {
		return 0, fmt.Errorf("corrupt history key for %s: %d bytes", consumerID, len(key))
	}
	return int64(binary.BigEndian.Uint64(key[len(lower):])), nil
}

// Range implements Store. Balances are visited in key order.
func (p *PebbleStore) Range(_ context.Context, fn func(ir.ConsumerBalance) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: balancePrefix, UpperBound: prefixUpper(balancePrefix)})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		var b ir.ConsumerBalance
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			return err
		}
		b.ConsumerID = string(it.Key()[len(balancePrefix):])
		if err := fn(b); err != nil {
			return err
		}
	}
	return it.Error()
}
