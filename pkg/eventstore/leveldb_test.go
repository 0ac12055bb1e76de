package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/errs"
)

func openTestLevelDB(t *testing.T) *LevelDBStore {
	t.Helper()
	s, err := OpenLevelDB(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLevelDBAppendRead(t *testing.T) {
	s := openTestLevelDB(t)
	ctx := context.Background()

	newSeq, err := s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newSeq)

	recs, err := s.Read(ctx, "inc_1", 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, uint64(2), recs[1].Sequence)
	assert.Equal(t, "inc_1", recs[0].IncidentID)
	assert.JSONEq(t, `{"phase":"detecting"}`, string(recs[0].Payload))
}

func TestLevelDBConflict(t *testing.T) {
	s := openTestLevelDB(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 2))
	require.NoError(t, err)

	_, err = s.Append(ctx, "inc_1", 1, testEvents(t, "inc_1", 1))
	assert.True(t, errors.Is(err, errs.ErrConflict))

	newSeq, err := s.Append(ctx, "inc_1", 2, testEvents(t, "inc_1", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newSeq)
}

func TestLevelDBGlobalScan(t *testing.T) {
	s := openTestLevelDB(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inc_a", 0, testEvents(t, "inc_a", 2))
	require.NoError(t, err)
	_, err = s.Append(ctx, "inc_b", 0, testEvents(t, "inc_b", 3))
	require.NoError(t, err)

	global, err := s.GlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), global)

	recs, err := s.ReadGlobal(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].GlobalSeq)
	assert.Equal(t, uint64(3), recs[2].GlobalSeq)
	assert.Equal(t, "inc_b", recs[2].IncidentID)

	ids, err := s.Incidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inc_a", "inc_b"}, ids)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenLevelDB(dir, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	// Heads survive: the next append still enforces the sequence.
	_, err = s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 1))
	assert.True(t, errors.Is(err, errs.ErrConflict))

	newSeq, err := s.Append(ctx, "inc_1", 2, testEvents(t, "inc_1", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newSeq)

	recs, err := s.Read(ctx, "inc_1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	global, err := s.GlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), global)
}

func TestLevelDBDetectsTampering(t *testing.T) {
	s := openTestLevelDB(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 1))
	require.NoError(t, err)

	// Overwrite the record on disk with a payload that no longer matches its hash.
	key := eventKey("inc_1", 0)
	data, err := s.db.Get(key, nil)
	require.NoError(t, err)
	tampered := []byte(string(data))
	copy(tampered[len(tampered)/2:], []byte(`"XX"`))
	require.NoError(t, s.db.Put(key, tampered, nil))

	_, err = s.Read(ctx, "inc_1", 0, 0)
	assert.True(t, errs.IsKind(err, errs.Corruption))
}

func TestLevelDBSubscribeLiveTail(t *testing.T) {
	s := openTestLevelDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, SubscribeOptions{IncidentID: "inc_1", FromSequence: 0})
	require.NoError(t, err)

	_, err = s.Append(ctx, "inc_1", 0, testEvents(t, "inc_1", 2))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), recvRecord(t, ch).Sequence)
	assert.Equal(t, uint64(1), recvRecord(t, ch).Sequence)

	select {
	case rec := <-ch:
		t.Fatalf("unexpected extra record %d", rec.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}
