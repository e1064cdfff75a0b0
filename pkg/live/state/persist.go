package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	persistQueueSize = 256
	persistTimeout   = 5 * time.Second
)

type persistOp struct {
	create *SessionRecord
	append *Message
	patch  *Patch
}

// persistQueue applies gateway writes in order on one goroutine. The record
// id returned by CreateSession stays local to that goroutine.
type persistQueue struct {
	gw     Gateway
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ops    chan persistOp
	done   chan struct{}
}

func newPersistQueue(gw Gateway, logger *slog.Logger) *persistQueue {
	q := &persistQueue{
		gw:     gw,
		logger: logger,
		ops:    make(chan persistOp, persistQueueSize),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *persistQueue) enqueue(op persistOp) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ops <- op:
	default:
		q.logger.Warn("persistence queue full, dropping write")
	}
}

func (q *persistQueue) run() {
	defer close(q.done)
	var recordID string
	for op := range q.ops {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		switch {
		case op.create != nil:
			id, err := q.gw.CreateSession(ctx, *op.create)
			if err != nil {
				q.logger.Error("persist create session failed", "session_id", op.create.SessionID, "error", err)
			} else {
				recordID = id
			}
		case recordID == "":
			q.logger.Debug("skipping persistence write without a session record")
		case op.append != nil:
			if err := q.gw.AppendMessage(ctx, recordID, *op.append); err != nil {
				q.logger.Error("persist append message failed", "record_id", recordID, "message_id", op.append.ID, "error", err)
			}
		case op.patch != nil:
			if err := q.gw.UpdateSession(ctx, recordID, *op.patch); err != nil {
				q.logger.Error("persist update session failed", "record_id", recordID, "error", err)
			}
		}
		cancel()
	}
}

// close stops accepting writes and waits for queued ones to drain.
func (q *persistQueue) close(ctx context.Context) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ops)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
