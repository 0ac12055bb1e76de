package eventstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// MemoryStore keeps every stream in process memory. It backs tests and
// single-node evaluation runs where durability across restarts is not needed.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]StoredEvent
	global  []globalRef
	closed  bool

	wake   *wakeSignal
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// globalRef locates a record in its incident stream by global append order.
type globalRef struct {
	incidentID string
	seq        uint64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		streams: make(map[string][]StoredEvent),
		wake:    newWakeSignal(),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (m *MemoryStore) Append(ctx context.Context, incidentID string, expectedSeq uint64, events []models.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}
	if err := validateBatch(incidentID, events); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errs.New(errs.Internal, "event store is closed")
	}

	stream := m.streams[incidentID]
	next := uint64(len(stream))
	if next != expectedSeq {
		m.mu.Unlock()
		return 0, errs.Newf(errs.Conflict, "incident %s is at sequence %d, append expected %d", incidentID, next, expectedSeq)
	}

	recs := materialize(incidentID, next, uint64(len(m.global)), events)
	m.streams[incidentID] = append(stream, recs...)
	for _, rec := range recs {
		m.global = append(m.global, globalRef{incidentID: rec.IncidentID, seq: rec.Sequence})
	}
	newSeq := next + uint64(len(recs))
	m.mu.Unlock()

	m.wake.Broadcast()
	return newSeq, nil
}

func (m *MemoryStore) Read(ctx context.Context, incidentID string, fromSeq uint64, limit int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[incidentID]
	if fromSeq >= uint64(len(stream)) {
		return nil, nil
	}
	window := stream[fromSeq:]
	if limit > 0 && len(window) > limit {
		window = window[:limit]
	}

	out := make([]StoredEvent, len(window))
	for i, rec := range window {
		if err := verifyRecord(rec); err != nil {
			return nil, err
		}
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func (m *MemoryStore) ReadGlobal(ctx context.Context, fromGlobal uint64, limit int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if fromGlobal >= uint64(len(m.global)) {
		return nil, nil
	}
	refs := m.global[fromGlobal:]
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	out := make([]StoredEvent, len(refs))
	for i, ref := range refs {
		rec := m.streams[ref.incidentID][ref.seq]
		if err := verifyRecord(rec); err != nil {
			return nil, err
		}
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func (m *MemoryStore) GlobalSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.global)), nil
}

func (m *MemoryStore) Incidents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan StoredEvent, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errs.New(errs.Internal, "event store is closed")
	}
	return openTail(ctx, m, m.wake, m.done, opts, m.logger), nil
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
		m.wake.Broadcast()
	})
	return nil
}

func copyRecord(rec StoredEvent) StoredEvent {
	out := rec
	if rec.Payload != nil {
		out.Payload = append([]byte(nil), rec.Payload...)
	}
	return out
}
