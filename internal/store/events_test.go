// ABOUTME: Tests for the append-only stream-event log
// ABOUTME: Verifies sequence monotonicity, range queries, concurrency, and pruning

package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendStreamEvent_SequencesAreStrictlyIncreasing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		event, err := s.AppendStreamEvent(ctx, "sess-1", KindProgress, json.RawMessage(`{"partial_text":"..."}`))
		require.NoError(t, err)
		assert.Equal(t, int64(i), event.SequenceNo)
	}

	// Sequences are per session
	event, err := s.AppendStreamEvent(ctx, "sess-2", KindProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), event.SequenceNo)
}

func TestAppendStreamEvent_ConcurrentAppendsNeverCollide(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendStreamEvent(ctx, "sess-1", KindProgress, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.GetStreamEvents(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)

	for i, event := range events {
		assert.Equal(t, int64(i+1), event.SequenceNo, "no gaps, no duplicates")
	}
}

func TestGetStreamEvents_RangeQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.AppendStreamEvent(ctx, "sess-1", KindProgress, nil)
		require.NoError(t, err)
	}

	mid, err := s.GetStreamEvents(ctx, "sess-1", 4, 7)
	require.NoError(t, err)
	require.Len(t, mid, 4)
	assert.Equal(t, int64(4), mid[0].SequenceNo)
	assert.Equal(t, int64(7), mid[3].SequenceNo)

	tail, err := s.GetStreamEvents(ctx, "sess-1", 9, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	none, err := s.GetStreamEvents(ctx, "sess-1", 11, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStreamEvents_PayloadRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"tool_name":"echo","status":"ok","result_summary":"{\"n\":1}"}`)
	_, err := s.AppendStreamEvent(ctx, "sess-1", KindToolCallResult, payload)
	require.NoError(t, err)

	events, err := s.GetStreamEvents(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindToolCallResult, events[0].Kind)
	assert.JSONEq(t, string(payload), string(events[0].Payload))
	assert.False(t, events[0].EmittedAt.IsZero())
}

func TestPruneStreamEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AppendStreamEvent(ctx, "sess-1", KindProgress, nil)
	require.NoError(t, err)
	_, err = s.AppendStreamEvent(ctx, "sess-1", KindFinalMessage, nil)
	require.NoError(t, err)

	// Cutoff in the past prunes nothing
	pruned, err := s.PruneStreamEvents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	// Cutoff in the future prunes everything
	pruned, err = s.PruneStreamEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	events, err := s.GetStreamEvents(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPruneStreamEvents_SubsecondCutoff(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Hand-inserted rows 10ms apart within the same second. Under a
	// variable-width fraction format, "...00.5Z" sorts after "...00.51Z" and
	// the cutoff would prune the wrong row.
	base := time.Date(2026, 8, 23, 12, 0, 0, 500_000_000, time.UTC)
	later := base.Add(10 * time.Millisecond)
	for i, ts := range []time.Time{base, later} {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stream_events (session_id, sequence_no, kind, payload, emitted_at)
			VALUES (?, ?, ?, '{}', ?)
		`, "sess-1", i+1, string(KindProgress), ts.Format(emittedAtLayout))
		require.NoError(t, err)
	}

	pruned, err := s.PruneStreamEvents(ctx, base.Add(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned, "only the row before the cutoff goes")

	events, err := s.GetStreamEvents(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].SequenceNo)
	assert.True(t, later.Equal(events[0].EmittedAt), "stored timestamp round-trips")
}

func TestStreamEventKind_Terminal(t *testing.T) {
	assert.True(t, KindFinalMessage.Terminal())
	assert.True(t, KindError.Terminal())
	assert.False(t, KindProgress.Terminal())
	assert.False(t, KindToolCallStarted.Terminal())
	assert.False(t, KindToolCallResult.Terminal())
}
