package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolExhausted is returned by Acquire when no session frees up
	// within the configured retry count.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrUnknownConn is returned by Release for a serial id the pool
	// never handed out.
	ErrUnknownConn = errors.New("unknown connection id")
	// ErrConnNotAcquired is returned by Release for a connection that is
	// not currently on loan.
	ErrConnNotAcquired = errors.New("connection not acquired")
	// ErrPoolInUse is returned by Destroy while any connection is on
	// loan.
	ErrPoolInUse = errors.New("connection pool has connections in use")
)

type pooledConn struct {
	serialID int
	inUse    bool
	conn     *sql.Conn
}

// Pool is a fixed-size set of live database sessions. Exactly capacity
// sessions exist for the pool's lifetime; in_use flips only under the
// pool mutex, and a borrowed session is used exclusively by its holder.
type Pool struct {
	capacity  int
	retries   int
	retryWait time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	conns []*pooledConn
}

// Lease is a loaned session. The holder must pass ID back to Release
// when done; ownership of the session is never transferred.
type Lease struct {
	ID   int
	Conn *sql.Conn
}

// NewPool eagerly opens capacity sessions. Failure to open any single
// session aborts creation: already-opened sessions are closed and an
// open-failure error is returned, never a partial pool.
func NewPool(ctx context.Context, db *sql.DB, capacity, retries int, retryWait time.Duration, logger *zap.Logger) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid pool capacity %d", capacity)
	}

	p := &Pool{
		capacity:  capacity,
		retries:   retries,
		retryWait: retryWait,
		logger:    logger,
		conns:     make([]*pooledConn, 0, capacity),
	}

	for i := 0; i < capacity; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			for _, pc := range p.conns {
				pc.conn.Close()
			}
			return nil, fmt.Errorf("failed to open session %d: %w", i, err)
		}
		p.conns = append(p.conns, &pooledConn{serialID: i, conn: conn})
	}

	logger.Info("Connection pool created", zap.Int("capacity", capacity))
	return p, nil
}

// Acquire scans for a free session, retrying after a short wait up to
// the configured retry count. It never blocks indefinitely: when every
// retry finds the pool busy it fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for attempt := 0; attempt <= p.retries; attempt++ {
		p.mu.Lock()
		for _, pc := range p.conns {
			if !pc.inUse {
				pc.inUse = true
				p.mu.Unlock()
				return &Lease{ID: pc.serialID, Conn: pc.conn}, nil
			}
		}
		p.mu.Unlock()

		if attempt == p.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryWait):
		}
	}

	p.logger.Warn("Connection acquisition failed", zap.Int("retries", p.retries))
	return nil, ErrPoolExhausted
}

// Release returns a previously acquired session to the pool. Releasing
// an id the pool never issued, or one that is not on loan, is an error
// and leaves every connection's state untouched.
func (p *Pool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.conns) {
		return fmt.Errorf("release id %d: %w", id, ErrUnknownConn)
	}
	if !p.conns[id].inUse {
		return fmt.Errorf("release id %d: %w", id, ErrConnNotAcquired)
	}
	p.conns[id].inUse = false
	return nil
}

// Destroy closes every session. It is the only place sessions are
// closed and must not be called while any connection is on loan.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.conns {
		if pc.inUse {
			return fmt.Errorf("destroy: connection %d: %w", pc.serialID, ErrPoolInUse)
		}
	}

	var firstErr error
	for _, pc := range p.conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session %d: %w", pc.serialID, err)
		}
	}
	p.conns = nil

	p.logger.Info("Connection pool destroyed")
	return firstErr
}

// Capacity reports the fixed number of sessions in the pool.
func (p *Pool) Capacity() int {
	return p.capacity
}
