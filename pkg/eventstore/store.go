// Package eventstore persists the ordered event streams that incidents are
// rebuilt from. Three backends share one contract: an in-process store for
// tests and single-node runs, an embedded LevelDB log, and a PostgreSQL log
// for deployments where several replicas share the tail.
package eventstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// StoredEvent is one durable record. Sequence is per incident and gap-free
// from 0; GlobalSeq is assigned across all incidents in append order.
type StoredEvent struct {
	IncidentID  string           `json:"incidentId"`
	Sequence    uint64           `json:"sequence"`
	GlobalSeq   uint64           `json:"globalSeq"`
	Timestamp   time.Time        `json:"timestamp"`
	Kind        models.EventKind `json:"kind"`
	Payload     json.RawMessage  `json:"payload"`
	ContentHash string           `json:"contentHash"`
}

// AsEvent strips the storage coordinates back down to the domain event.
func (r StoredEvent) AsEvent() models.Event {
	return models.Event{
		IncidentID: r.IncidentID,
		Sequence:   r.Sequence,
		Timestamp:  r.Timestamp,
		Kind:       r.Kind,
		Payload:    r.Payload,
	}
}

// SubscribeOptions selects what a subscription replays and follows.
// With IncidentID set the stream replays that incident from FromSequence and
// then follows its live tail; otherwise it follows the global tail from
// FromGlobal. Buffer sizes the delivery channel (default 64).
type SubscribeOptions struct {
	IncidentID   string
	FromSequence uint64
	FromGlobal   uint64
	Buffer       int
}

// Store is the append-only incident event log.
//
// Append is atomic and optimistic: it succeeds only when expectedSeq equals
// the incident's next sequence, and returns the next expected sequence after
// the batch. Reads verify content hashes and surface Corruption on mismatch.
// Subscriptions are at-least-once; consumers deduplicate by
// (incidentId, sequence).
type Store interface {
	Append(ctx context.Context, incidentID string, expectedSeq uint64, events []models.Event) (uint64, error)
	Read(ctx context.Context, incidentID string, fromSeq uint64, limit int) ([]StoredEvent, error)
	ReadGlobal(ctx context.Context, fromGlobal uint64, limit int) ([]StoredEvent, error)
	GlobalSequence(ctx context.Context) (uint64, error)
	Incidents(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan StoredEvent, error)
	Close() error
}

// ComputeHash returns the hex SHA-256 over the event kind concatenated with
// the raw payload bytes.
func ComputeHash(kind models.EventKind, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func verifyRecord(rec StoredEvent) error {
	if got := ComputeHash(rec.Kind, rec.Payload); got != rec.ContentHash {
		return errs.Newf(errs.Corruption, "event %s/%d content hash mismatch", rec.IncidentID, rec.Sequence)
	}
	return nil
}

// validateBatch rejects malformed append input before any backend work.
func validateBatch(incidentID string, events []models.Event) error {
	if incidentID == "" {
		return errs.New(errs.Validation, "incident id is required")
	}
	if strings.ContainsRune(incidentID, '|') {
		return errs.Validationf("incidentId", "incident id %q contains a reserved separator", incidentID)
	}
	if len(events) == 0 {
		return errs.New(errs.Validation, "append batch is empty")
	}
	for i, ev := range events {
		if !ev.Kind.IsValid() {
			return errs.Validationf("kind", "event %d has unknown kind %q", i, ev.Kind)
		}
		if ev.Timestamp.IsZero() {
			return errs.Validationf("timestamp", "event %d has no timestamp", i)
		}
	}
	return nil
}

// materialize stamps sequences and hashes onto a validated batch.
func materialize(incidentID string, fromSeq, fromGlobal uint64, events []models.Event) []StoredEvent {
	recs := make([]StoredEvent, len(events))
	for i, ev := range events {
		recs[i] = StoredEvent{
			IncidentID:  incidentID,
			Sequence:    fromSeq + uint64(i),
			GlobalSeq:   fromGlobal + uint64(i),
			Timestamp:   ev.Timestamp.UTC(),
			Kind:        ev.Kind,
			Payload:     ev.Payload,
			ContentHash: ComputeHash(ev.Kind, ev.Payload),
		}
	}
	return recs
}

// wakeSignal is a broadcast edge: every Broadcast releases all goroutines
// currently parked on a channel obtained from Wait.
type wakeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{})}
}

func (w *wakeSignal) Wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *wakeSignal) Broadcast() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

const (
	tailBatchSize     = 128
	defaultTailBuffer = 64
	tailRetryInterval = time.Second
)

// openTail starts a cursor tailer that reads from the durable log and parks
// on wake when caught up. Delivering from the log instead of buffering keeps
// slow subscribers from ever losing events; redelivery after a wakeup race is
// possible, which is why streams are at-least-once.
func openTail(ctx context.Context, src Store, wake *wakeSignal, done <-chan struct{}, opts SubscribeOptions, logger *slog.Logger) <-chan StoredEvent {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultTailBuffer
	}
	out := make(chan StoredEvent, buffer)
	go runTail(ctx, src, wake, done, opts, out, logger)
	return out
}

func runTail(ctx context.Context, src Store, wake *wakeSignal, done <-chan struct{}, opts SubscribeOptions, out chan<- StoredEvent, logger *slog.Logger) {
	defer close(out)

	byIncident := opts.IncidentID != ""
	cursor := opts.FromGlobal
	if byIncident {
		cursor = opts.FromSequence
	}

	for {
		// Grab the wake channel before reading so an append that lands
		// during the read cannot be missed.
		waitCh := wake.Wait()

		var (
			recs []StoredEvent
			err  error
		)
		if byIncident {
			recs, err = src.Read(ctx, opts.IncidentID, cursor, tailBatchSize)
		} else {
			recs, err = src.ReadGlobal(ctx, cursor, tailBatchSize)
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errs.IsKind(err, errs.Corruption):
			logger.Error("event tail halted on corrupt record",
				"incident_id", opts.IncidentID, "cursor", cursor, "error", err)
			return
		default:
			logger.Warn("event tail read failed, retrying",
				"incident_id", opts.IncidentID, "cursor", cursor, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-time.After(tailRetryInterval):
			}
			continue
		}

		for _, rec := range recs {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			if byIncident {
				cursor = rec.Sequence + 1
			} else {
				cursor = rec.GlobalSeq + 1
			}
		}
		if len(recs) == tailBatchSize {
			continue // more may already be appended
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-waitCh:
		}
	}
}
