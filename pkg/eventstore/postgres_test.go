package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/errs"
	testutil "github.com/sentinelops/aegis/test/util"
)

func openTestPostgres(t *testing.T) (*PostgresStore, *testutil.TestDB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	tdb := testutil.SetupTestDB(t)
	s := NewPostgresStore(tdb.DB, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, tdb
}

func TestPostgresAppendReadRoundTrip(t *testing.T) {
	s, _ := openTestPostgres(t)
	ctx := context.Background()

	global, err := s.GlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), global, "fresh schema starts at zero")

	newSeq, err := s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newSeq)

	recs, err := s.Read(ctx, "inc_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i), rec.Sequence)
		assert.Equal(t, uint64(i), rec.GlobalSeq)
		assert.Equal(t, ComputeHash(rec.Kind, rec.Payload), rec.ContentHash)
		assert.Equal(t, time.UTC, rec.Timestamp.Location())
	}

	recs, err = s.Read(ctx, "inc_1", 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Sequence)
}

func TestPostgresConflictAndHeads(t *testing.T) {
	s, _ := openTestPostgres(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 2))
	require.NoError(t, err)

	_, err = s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 1))
	assert.True(t, errors.Is(err, errs.ErrConflict))

	_, err = s.Append(ctx, "inc_2", 0, testEvents(t, "inc_2", 1))
	require.NoError(t, err)

	global, err := s.GlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), global)

	recs, err := s.ReadGlobal(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "inc_1", recs[0].IncidentID)
	assert.Equal(t, "inc_2", recs[1].IncidentID)

	ids, err := s.Incidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inc_1", "inc_2"}, ids)
}

func TestPostgresConcurrentAppendsSerialize(t *testing.T) {
	s, _ := openTestPostgres(t)
	ctx := context.Background()
	batch := testEvents(t, "inc_1", 1)

	const racers = 4
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := s.Append(ctx, "inc_1", 0, batch)
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < racers; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, errs.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one racer appends at sequence 0")
	assert.Equal(t, racers-1, conflicts)

	recs, err := s.Read(ctx, "inc_1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPostgresNotifyWakesOtherReplica(t *testing.T) {
	reader, tdb := openTestPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// LISTEN uses the base DSN: NOTIFY channels are database-level.
	require.NoError(t, reader.StartListener(ctx, tdb.BaseConnStr))

	ch, err := reader.Subscribe(ctx, SubscribeOptions{IncidentID: "inc_1", FromSequence: 0})
	require.NoError(t, err)

	// A second replica with its own pool appends to the shared schema.
	writer := NewPostgresStore(tdb.NewPool(t), nil)
	t.Cleanup(func() { _ = writer.Close() })

	_, err = writer.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 2))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), recvRecord(t, ch).Sequence)
	assert.Equal(t, uint64(1), recvRecord(t, ch).Sequence)
}
