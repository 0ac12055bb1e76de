package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sentinelops/aegis/pkg/errs"
)

// ChangeNotice is the coordinates-only NOTIFY payload an append broadcasts.
type ChangeNotice struct {
	IncidentID string `json:"incidentId"`
	Sequence   uint64 `json:"sequence"`
	GlobalSeq  uint64 `json:"globalSeq"`
	Kind       string `json:"kind"`
}

// NotifyListener holds one dedicated pgx connection on LISTEN and invokes the
// callback for every notice. A pooled connection cannot be used here: LISTEN
// binds to the physical connection, and WaitForNotification must be the only
// caller touching it.
type NotifyListener struct {
	connString string
	onNotice   func(ChangeNotice)

	conn   *pgx.Conn
	connMu sync.Mutex

	// cancelLoop and loopDone coordinate graceful shutdown of the receive loop.
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener for NotifyChannel. onNotice runs on
// the receive goroutine and must not block.
func NewNotifyListener(connString string, onNotice func(ChangeNotice)) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		onNotice:   onNotice,
	}
}

// Start establishes the dedicated connection, issues LISTEN and begins
// receiving notifications.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return errs.Wrap(errs.Internal, "connect for LISTEN", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return errs.Wrap(errs.Internal, "LISTEN "+NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("event notify listener started", "channel", NotifyChannel)
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		var notice ChangeNotice
		if err := json.Unmarshal([]byte(notification.Payload), &notice); err != nil {
			slog.Warn("unparseable NOTIFY payload, waking subscribers anyway", "error", err)
		}
		l.onNotice(notice)
	}
}

// reconnect re-establishes the LISTEN connection with capped exponential
// backoff. Notices sent while disconnected are lost, which is safe: tailers
// re-read from their durable cursor on the next wake.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			slog.Error("re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.conn = conn
		slog.Info("event notify listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection. Prevents a race between WaitForNotification and Close.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
