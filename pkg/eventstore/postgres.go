package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// NotifyChannel is the PostgreSQL channel appends NOTIFY on. The payload
// carries coordinates only; subscribers re-read the records they need, which
// keeps event payloads clear of the 8000-byte NOTIFY limit.
const NotifyChannel = "aegis_events"

// Head rows in event_heads. The global row is locked before the incident row
// so concurrent appends always take the two locks in the same order.
const (
	scopeGlobal     = "g"
	scopeIncidentPf = "i|"
)

// PostgresStore is the shared durable backend. The *sql.DB is owned by the
// caller (database.Client); Close stops subscriptions but leaves the pool up.
type PostgresStore struct {
	db       *sql.DB
	listener *NotifyListener

	wake   *wakeSignal
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewPostgresStore wraps an open connection pool. Schema setup is handled by
// the database package's embedded migrations.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		wake:   newWakeSignal(),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// StartListener opens the dedicated LISTEN connection so appends made by
// other replicas wake this store's subscriptions. connString is the raw DSN;
// LISTEN needs its own connection outside the pool.
func (s *PostgresStore) StartListener(ctx context.Context, connString string) error {
	l := NewNotifyListener(connString, func(n ChangeNotice) {
		s.logger.Debug("event notice received", "incident_id", n.IncidentID, "sequence", n.Sequence, "kind", n.Kind)
		s.wake.Broadcast()
	})
	if err := l.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, incidentID string, expectedSeq uint64, events []models.Event) (uint64, error) {
	if err := validateBatch(incidentID, events); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "begin append transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	globalNext, err := lockHead(ctx, tx, scopeGlobal)
	if err != nil {
		return 0, err
	}
	next, err := lockHead(ctx, tx, scopeIncidentPf+incidentID)
	if err != nil {
		return 0, err
	}
	if next != expectedSeq {
		return 0, errs.Newf(errs.Conflict, "incident %s is at sequence %d, append expected %d", incidentID, next, expectedSeq)
	}

	recs := materialize(incidentID, next, globalNext, events)
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO incident_events (incident_id, sequence, global_seq, ts, kind, payload, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.IncidentID, int64(rec.Sequence), int64(rec.GlobalSeq), rec.Timestamp, string(rec.Kind), []byte(rec.Payload), rec.ContentHash,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return 0, errs.Wrap(errs.Conflict, "concurrent append on incident "+incidentID, err)
			}
			return 0, errs.Wrap(errs.Internal, "insert event", err)
		}
	}

	newSeq := next + uint64(len(recs))
	if err := updateHead(ctx, tx, scopeGlobal, globalNext+uint64(len(recs))); err != nil {
		return 0, err
	}
	if err := updateHead(ctx, tx, scopeIncidentPf+incidentID, newSeq); err != nil {
		return 0, err
	}

	// pg_notify inside the transaction: the notice fires only on COMMIT, so
	// listeners never observe coordinates before the records are readable.
	for _, rec := range recs {
		coords, err := json.Marshal(ChangeNotice{
			IncidentID: rec.IncidentID,
			Sequence:   rec.Sequence,
			GlobalSeq:  rec.GlobalSeq,
			Kind:       string(rec.Kind),
		})
		if err != nil {
			return 0, errs.Wrap(errs.Internal, "marshal notify coordinates", err)
		}
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(coords)); err != nil {
			return 0, errs.Wrap(errs.Internal, "pg_notify", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Internal, "commit append transaction", err)
	}

	s.wake.Broadcast()
	return newSeq, nil
}

func (s *PostgresStore) Read(ctx context.Context, incidentID string, fromSeq uint64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id, sequence, global_seq, ts, kind, payload, content_hash
		 FROM incident_events WHERE incident_id = $1 AND sequence >= $2
		 ORDER BY sequence LIMIT $3`,
		incidentID, int64(fromSeq), sqlLimit(limit),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query incident events", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ReadGlobal(ctx context.Context, fromGlobal uint64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id, sequence, global_seq, ts, kind, payload, content_hash
		 FROM incident_events WHERE global_seq >= $1
		 ORDER BY global_seq LIMIT $2`,
		int64(fromGlobal), sqlLimit(limit),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query global events", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) GlobalSequence(ctx context.Context) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT next_seq FROM event_heads WHERE scope = $1`, scopeGlobal).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "read global sequence", err)
	}
	return uint64(next), nil
}

func (s *PostgresStore) Incidents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope FROM event_heads WHERE scope LIKE $1 ORDER BY scope`, scopeIncidentPf+"%")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query incident heads", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan incident head", err)
		}
		ids = append(ids, strings.TrimPrefix(scope, scopeIncidentPf))
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate incident heads", err)
	}
	return ids, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan StoredEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errs.New(errs.Internal, "event store is closed")
	}
	return openTail(ctx, s, s.wake, s.done, opts, s.logger), nil
}

// Close stops subscriptions and the LISTEN connection. The connection pool
// stays open for its owner to close.
func (s *PostgresStore) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		listener := s.listener
		s.mu.Unlock()

		close(s.done)
		s.wake.Broadcast()
		if listener != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			listener.Stop(stopCtx)
			cancel()
		}
	})
	return nil
}

func lockHead(ctx context.Context, tx *sql.Tx, scope string) (uint64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_heads (scope, next_seq) VALUES ($1, 0) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
		return 0, errs.Wrap(errs.Internal, "seed head row", err)
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM event_heads WHERE scope = $1 FOR UPDATE`, scope).Scan(&next); err != nil {
		return 0, errs.Wrap(errs.Internal, "lock head row", err)
	}
	return uint64(next), nil
}

func updateHead(ctx context.Context, tx *sql.Tx, scope string, next uint64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE event_heads SET next_seq = $2 WHERE scope = $1`, scope, int64(next)); err != nil {
		return errs.Wrap(errs.Internal, "advance head row", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			rec     StoredEvent
			seq     int64
			gseq    int64
			ts      time.Time
			kind    string
			payload []byte
		)
		if err := rows.Scan(&rec.IncidentID, &seq, &gseq, &ts, &kind, &payload, &rec.ContentHash); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan event record", err)
		}
		rec.Sequence = uint64(seq)
		rec.GlobalSeq = uint64(gseq)
		rec.Timestamp = ts.UTC()
		rec.Kind = models.EventKind(kind)
		rec.Payload = json.RawMessage(payload)
		if err := verifyRecord(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate event records", err)
	}
	return out, nil
}

// sqlLimit turns a non-positive limit into LIMIT NULL (no limit).
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
