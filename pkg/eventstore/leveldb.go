package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// LevelDB key scheme. "|" separates parts; incident ids are rejected at
// append time if they contain it. Sequence parts are 8-byte big-endian so
// lexicographic key order equals numeric order.
//
//	e|<incident>|<seq>  → StoredEvent JSON            (primary record)
//	t|<global>          → primary key bytes           (global append order)
//	h|<incident>        → next per-incident sequence  (head counter)
//	g|                  → next global sequence
const (
	ldbEventPrefix  = "e|"
	ldbGlobalPrefix = "t|"
	ldbHeadPrefix   = "h|"
	ldbGlobalCount  = "g|"
)

// LevelDBStore is the embedded on-disk backend. A single process owns the
// database directory; appends are serialized through one mutex, which also
// keeps the head counters and records in step.
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex

	wake   *wakeSignal
	done   chan struct{}
	once   sync.Once
	closed bool
	logger *slog.Logger
}

// OpenLevelDB opens (or creates) the store at path, a directory.
func OpenLevelDB(path string, logger *slog.Logger) (*LevelDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "open leveldb event store", err)
	}
	logger.Info("LevelDB event store opened", "path", path)
	return &LevelDBStore{
		db:     db,
		wake:   newWakeSignal(),
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

func (s *LevelDBStore) Append(ctx context.Context, incidentID string, expectedSeq uint64, events []models.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}
	if err := validateBatch(incidentID, events); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.New(errs.Internal, "event store is closed")
	}

	next, err := s.readCounter(headKey(incidentID))
	if err != nil {
		return 0, err
	}
	if next != expectedSeq {
		return 0, errs.Newf(errs.Conflict, "incident %s is at sequence %d, append expected %d", incidentID, next, expectedSeq)
	}
	globalNext, err := s.readCounter([]byte(ldbGlobalCount))
	if err != nil {
		return 0, err
	}

	recs := materialize(incidentID, next, globalNext, events)
	batch := new(leveldb.Batch)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, errs.Wrap(errs.Internal, "marshal event record", err)
		}
		key := eventKey(rec.IncidentID, rec.Sequence)
		batch.Put(key, data)
		batch.Put(globalKey(rec.GlobalSeq), key)
	}
	newSeq := next + uint64(len(recs))
	batch.Put(headKey(incidentID), encodeCounter(newSeq))
	batch.Put([]byte(ldbGlobalCount), encodeCounter(globalNext+uint64(len(recs))))

	if err := s.db.Write(batch, nil); err != nil {
		return 0, errs.Wrap(errs.Internal, "write event batch", err)
	}

	s.wake.Broadcast()
	return newSeq, nil
}

func (s *LevelDBStore) Read(ctx context.Context, incidentID string, fromSeq uint64, limit int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	r := util.BytesPrefix([]byte(ldbEventPrefix + incidentID + "|"))
	r.Start = eventKey(incidentID, fromSeq)
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	var out []StoredEvent
	for iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate incident events", err)
	}
	return out, nil
}

func (s *LevelDBStore) ReadGlobal(ctx context.Context, fromGlobal uint64, limit int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	r := util.BytesPrefix([]byte(ldbGlobalPrefix))
	r.Start = globalKey(fromGlobal)
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	var out []StoredEvent
	for iter.Next() {
		data, err := s.db.Get(iter.Value(), nil)
		if err != nil {
			if errors.Is(err, leveldb.ErrNotFound) {
				return nil, errs.Newf(errs.Corruption, "global index entry %d points at a missing record", decodeCounter(iter.Key()[len(ldbGlobalPrefix):]))
			}
			return nil, errs.Wrap(errs.Internal, "fetch event by global index", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate global events", err)
	}
	return out, nil
}

func (s *LevelDBStore) GlobalSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}
	return s.readCounter([]byte(ldbGlobalCount))
}

func (s *LevelDBStore) Incidents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(ldbHeadPrefix)), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), ldbHeadPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate incident heads", err)
	}
	return ids, nil
}

func (s *LevelDBStore) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan StoredEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errs.New(errs.Internal, "event store is closed")
	}
	return openTail(ctx, s, s.wake, s.done, opts, s.logger), nil
}

func (s *LevelDBStore) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wake.Broadcast()
		err = s.db.Close()
	})
	return err
}

func (s *LevelDBStore) readCounter(key []byte) (uint64, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.Internal, "read counter", err)
	}
	return decodeCounter(data), nil
}

func decodeRecord(data []byte) (StoredEvent, error) {
	var rec StoredEvent
	if err := json.Unmarshal(data, &rec); err != nil {
		return StoredEvent{}, errs.Wrap(errs.Corruption, "decode event record", err)
	}
	if err := verifyRecord(rec); err != nil {
		return StoredEvent{}, err
	}
	return rec, nil
}

func eventKey(incidentID string, seq uint64) []byte {
	key := make([]byte, 0, len(ldbEventPrefix)+len(incidentID)+1+8)
	key = append(key, ldbEventPrefix...)
	key = append(key, incidentID...)
	key = append(key, '|')
	return append(key, encodeCounter(seq)...)
}

func globalKey(global uint64) []byte {
	key := make([]byte, 0, len(ldbGlobalPrefix)+8)
	key = append(key, ldbGlobalPrefix...)
	return append(key, encodeCounter(global)...)
}

func headKey(incidentID string) []byte {
	return []byte(ldbHeadPrefix + incidentID)
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeCounter(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
