package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/ir"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "ledger.jsonl")
	require.NoError(t, err)

	d1 := Delta{Seq: 1, ConsumerID: "c-1", EventID: "e-1", EventType: ir.EventPurchase, Points: 100, OccurredAt: t0}
	d2 := Delta{Seq: 2, ConsumerID: "c-1", EventID: "e-2", EventType: ir.EventRedemption, Points: -40, OccurredAt: t0.Add(time.Hour)}
	require.NoError(t, w.Append(context.Background(), d1))
	require.NoError(t, w.Append(context.Background(), d2))

	f, err := os.Open(filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Delta
	for s.Scan() {
		var d Delta
		require.NoError(t, json.Unmarshal(s.Bytes(), &d))
		got = append(got, d)
	}
	require.NoError(t, s.Err())
	require.Len(t, got, 2)
	assert.Equal(t, d1.Seq, got[0].Seq)
	assert.Equal(t, int64(-40), got[1].Points)
	assert.True(t, d2.OccurredAt.Equal(got[1].OccurredAt))
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	d := Delta{Seq: 1, ConsumerID: "c-9", Points: 10, OccurredAt: t0}
	require.NoError(t, kw.Append(context.Background(), d))
	require.Len(t, fk.msgs, 1)
	assert.Equal(t, "c-9", string(fk.msgs[0].Key))

	var back Delta
	require.NoError(t, json.Unmarshal(fk.msgs[0].Value, &back))
	assert.Equal(t, int64(10), back.Points)
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	assert.Error(t, kw.Append(context.Background(), Delta{ConsumerID: "c"}))
}

func TestMultiWriter_StopsOnFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	after := &fakeKafkaWriter{}
	mw := NewMultiWriter(NewKafkaWriterWith(ok), NewKafkaWriterWith(bad), NewKafkaWriterWith(after))

	err := mw.Append(context.Background(), Delta{ConsumerID: "c"})
	assert.Error(t, err)
	assert.Len(t, ok.msgs, 1)
	assert.Empty(t, after.msgs)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, SplitBrokers(""))
}

func TestReplay_CountsAppliedAndSkipped(t *testing.T) {
	journal := strings.Join([]string{
		`{"seq":1,"consumerId":"c-1","points":100}`,
		``,
		`{"seq":2,"consumerId":"c-1","points":-40}`,
		`{"seq":3,"consumerId":"c-2","points":5}`,
	}, "\n")

	var seen []int64
	stats, err := Replay(context.Background(), strings.NewReader(journal), func(_ context.Context, d Delta) (bool, error) {
		seen = append(seen, d.Seq)
		return d.Seq != 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, ReplayStats{Read: 3, Applied: 2, Skipped: 1}, stats)
}

func TestReplay_MalformedLine(t *testing.T) {
	journal := "{\"seq\":1}\nnot-json\n"
	stats, err := Replay(context.Background(), strings.NewReader(journal), func(context.Context, Delta) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, stats.Applied)
}

func TestReplay_ApplyError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Replay(context.Background(), strings.NewReader(`{"seq":7}`), func(context.Context, Delta) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestReplayFile_RoundTripWithFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "j.jsonl")
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Append(context.Background(), Delta{Seq: i, ConsumerID: "c", Points: i * 10}))
	}

	var sum int64
	stats, err := ReplayFile(context.Background(), w.Path(), func(_ context.Context, d Delta) (bool, error) {
		sum += d.Points
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.Equal(t, int64(60), sum)
}

func TestReplayFile_Missing(t *testing.T) {
	_, err := ReplayFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
