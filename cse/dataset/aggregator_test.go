package dataset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/colmto/colmto/cse/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_SealMergesRun(t *testing.T) {
	a := NewAggregator()
	key := trace.RunKey{PolicyID: "p", RunIndex: 0}
	require.NoError(t, a.Begin(key, 7))
	require.NoError(t, a.Record(key, trace.StepSnapshot{Step: 1, VehicleID: "v"}))
	require.NoError(t, a.RecordTrip(key, trace.Trip{VehicleID: "v", EntryStep: 1, ExitStep: 2}))
	assert.Equal(t, 1, a.InProgress())

	_, ok := a.Get(key)
	assert.False(t, ok, "unsealed runs are not part of the dataset")

	rec, err := a.Seal(key)
	require.NoError(t, err)
	assert.True(t, rec.Sealed())
	assert.Equal(t, int64(7), rec.Seed)
	assert.Equal(t, 0, a.InProgress())

	got, ok := a.Get(key)
	require.True(t, ok)
	assert.Same(t, rec, got)
}

func TestAggregator_SealedRunIsReadOnly(t *testing.T) {
	a := NewAggregator()
	key := trace.RunKey{PolicyID: "p"}
	require.NoError(t, a.Begin(key, 1))
	_, err := a.Seal(key)
	require.NoError(t, err)

	assert.True(t, errors.Is(a.Record(key, trace.StepSnapshot{Step: 2}), trace.ErrRecordSealed))
	assert.True(t, errors.Is(a.RecordTrip(key, trace.Trip{}), trace.ErrRecordSealed))
	assert.True(t, errors.Is(a.Begin(key, 1), trace.ErrRecordSealed))
	_, err = a.Seal(key)
	assert.True(t, errors.Is(err, trace.ErrRecordSealed))

	a.Discard(key)
	_, ok := a.Get(key)
	assert.True(t, ok, "discard must not drop a sealed run")
}

func TestAggregator_DiscardDropsPartialRun(t *testing.T) {
	// GIVEN a run that recorded some steps
	a := NewAggregator()
	key := trace.RunKey{PolicyID: "p"}
	require.NoError(t, a.Begin(key, 1))
	for step := 1; step <= 9; step++ {
		require.NoError(t, a.Record(key, trace.StepSnapshot{Step: step, VehicleID: "v"}))
	}

	// WHEN it is discarded
	a.Discard(key)

	// THEN nothing of it remains
	assert.Equal(t, 0, a.InProgress())
	assert.Empty(t, a.Keys())
	assert.Error(t, a.Record(key, trace.StepSnapshot{Step: 10}))
}

func TestAggregator_ConcurrentRuns(t *testing.T) {
	a := NewAggregator()
	const runs = 16
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := trace.RunKey{PolicyID: fmt.Sprintf("p%d", i%4), RunIndex: i / 4}
			if err := a.Begin(key, int64(i)); err != nil {
				t.Error(err)
				return
			}
			for step := 1; step <= 50; step++ {
				if err := a.Record(key, trace.StepSnapshot{Step: step, VehicleID: "v"}); err != nil {
					t.Error(err)
					return
				}
			}
			if _, err := a.Seal(key); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	keys := a.Keys()
	require.Len(t, keys, runs)
	assert.Equal(t, trace.RunKey{PolicyID: "p0", RunIndex: 0}, keys[0])
	for _, k := range keys {
		rec, _ := a.Get(k)
		assert.Len(t, rec.Snapshots, 50, k.String())
	}
}

func TestAggregator_PersistIsIncremental(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a := NewAggregator()

	first := trace.RunKey{PolicyID: "p", RunIndex: 0}
	require.NoError(t, a.Begin(first, 1))
	_, err := a.Seal(first)
	require.NoError(t, err)
	require.NoError(t, a.Persist(ctx, s, "batch"))

	second := trace.RunKey{PolicyID: "p", RunIndex: 1}
	require.NoError(t, a.Begin(second, 2))
	_, err = a.Seal(second)
	require.NoError(t, err)
	require.NoError(t, a.Persist(ctx, s, "batch"))

	infos, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, second, infos[1].Key)
}

// TestAggregator_PersistFailure_ReportsRuns verifies failed writes are retried
// once and then listed in a PersistenceError while records stay in memory.
func TestAggregator_PersistFailure_ReportsRuns(t *testing.T) {
	// GIVEN a sealed run and a store that can no longer be written
	s := openTestStore(t)
	require.NoError(t, s.Close())
	a := NewAggregator()
	a.RetryBackoff = 0
	key := trace.RunKey{PolicyID: "p", RunIndex: 3}
	require.NoError(t, a.Begin(key, 1))
	_, err := a.Seal(key)
	require.NoError(t, err)

	// WHEN persisting
	err = a.Persist(context.Background(), s, "")

	// THEN the failing run is named and the record is kept
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []trace.RunKey{key}, perr.Runs)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Contains(t, err.Error(), "p/run3")
	_, ok := a.Get(key)
	assert.True(t, ok)
}

func TestAggregator_PersistTo(t *testing.T) {
	ctx := context.Background()
	a := NewAggregator()
	key := trace.RunKey{PolicyID: "p"}
	require.NoError(t, a.Begin(key, 1))
	require.NoError(t, a.Record(key, trace.StepSnapshot{Step: 1, VehicleID: "v"}))
	_, err := a.Seal(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.db")
	require.NoError(t, a.PersistTo(ctx, path))

	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.ReadRun(ctx, key)
	require.NoError(t, err)
	assert.Len(t, rec.Snapshots, 1)
}

// TestAggregator_PersistExistingRun_Reported verifies a run the store already
// holds under an earlier batch surfaces as a persistence error instead of
// being counted as written.
func TestAggregator_PersistExistingRun_Reported(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// GIVEN a store holding speed/run0 from an earlier batch
	earlier := NewAggregator()
	key := trace.RunKey{PolicyID: "speed", RunIndex: 0}
	require.NoError(t, earlier.Begin(key, 1))
	require.NoError(t, earlier.Record(key, trace.StepSnapshot{Step: 1, VehicleID: "old"}))
	_, err := earlier.Seal(key)
	require.NoError(t, err)
	require.NoError(t, earlier.Persist(ctx, s, "batch-1"))

	// WHEN a later batch persists a run with the same key
	later := NewAggregator()
	later.RetryBackoff = time.Hour
	require.NoError(t, later.Begin(key, 2))
	require.NoError(t, later.Record(key, trace.StepSnapshot{Step: 1, VehicleID: "new"}))
	_, err = later.Seal(key)
	require.NoError(t, err)
	err = later.Persist(ctx, s, "batch-2")

	// THEN the write is reported without retrying and the stored run is unchanged
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, []trace.RunKey{key}, perr.Runs)
	assert.True(t, errors.Is(err, ErrRunExists))
	require.NoError(t, later.Persist(ctx, s, "batch-2"), "the conflict is reported once")

	rec, err := s.ReadRun(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, rec.VehicleIDs())
	infos, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "batch-1", infos[0].BatchID)
}

// TestAggregator_PersistBackoff_DoesNotBlockRecording verifies stepping runs
// keep recording while a persist waits to retry.
func TestAggregator_PersistBackoff_DoesNotBlockRecording(t *testing.T) {
	// GIVEN a persist stuck in its retry backoff on a closed store
	s := openTestStore(t)
	require.NoError(t, s.Close())
	a := NewAggregator()
	a.RetryBackoff = time.Minute
	sealed := trace.RunKey{PolicyID: "p", RunIndex: 0}
	require.NoError(t, a.Begin(sealed, 1))
	_, err := a.Seal(sealed)
	require.NoError(t, err)
	stepping := trace.RunKey{PolicyID: "p", RunIndex: 1}
	require.NoError(t, a.Begin(stepping, 2))

	ctx, cancel := context.WithCancel(context.Background())
	persisted := make(chan error, 1)
	go func() { persisted <- a.Persist(ctx, s, "") }()
	time.Sleep(50 * time.Millisecond)

	// WHEN another run records a step
	recorded := make(chan error, 1)
	go func() { recorded <- a.Record(stepping, trace.StepSnapshot{Step: 1, VehicleID: "v"}) }()

	// THEN it is not held up by the pending retry
	select {
	case err := <-recorded:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked behind Persist")
	}
	cancel()
	assert.Error(t, <-persisted)
}
