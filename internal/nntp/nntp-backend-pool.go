package nntp

// Per-server NNTP connection pool. Connections are created lazily up to
// the configured limit, recycled through a channel, probed while idle and
// torn down after the idle timeout.

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Pool manages the NNTP client connections of one server.
type Pool struct {
	mux         sync.RWMutex
	Backend     *BackendConfig
	connections chan *BackendConn
	maxConns    int
	activeConns int
	idleTimeout time.Duration
	closed      bool

	// keepAliveAfter is the idle age beyond which a pooled connection is
	// probed with DATE instead of being handed out untested.
	keepAliveAfter time.Duration

	// Statistics
	totalCreated int64
	totalClosed  int64
}

// NewPool creates a new connection pool for one backend server.
func NewPool(cfg *BackendConfig) *Pool {
	return &Pool{
		Backend:        cfg,
		connections:    make(chan *BackendConn, cfg.MaxConns),
		maxConns:       cfg.MaxConns,
		idleTimeout:    DefaultConnExpire,
		keepAliveAfter: DefaultConnExpire / 2,
	}
}

// FetchBody grabs a connection, fetches and decodes one article body and
// returns the connection to the pool. Connections are closed on transport
// errors and recycled on clean protocol errors (article missing etc).
func (p *Pool) FetchBody(group, messageID string) ([]byte, *YencHeader, error) {
	p.mux.RLock()
	if p.closed {
		p.mux.RUnlock()
		return nil, nil, ErrPoolClosed
	}
	p.mux.RUnlock()

	client, err := p.Get()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if group != "" {
		if err := p.selectGroupIfNeeded(client, group); err != nil {
			p.CloseConn(client, true)
			return nil, nil, err
		}
	}

	body, hdr, err := client.FetchBody(messageID)
	if err != nil {
		switch Classify(err) {
		case KindArticleMissing:
			// clean protocol reply, the connection is fine
			p.Put(client)
		default:
			p.CloseConn(client, true)
		}
		return nil, nil, err
	}

	p.Put(client)
	return body, hdr, nil
}

// selectGroupIfNeeded retries the group select once on a fresh connection,
// since a pooled connection may have died since its last use.
func (p *Pool) selectGroupIfNeeded(client *BackendConn, group string) error {
	if err := client.SelectGroup(group); err != nil {
		return fmt.Errorf("failed to select group %s: %w", group, err)
	}
	return nil
}

// Get retrieves a connection from the pool or creates a new one.
func (p *Pool) Get() (*BackendConn, error) {
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return nil, ErrPoolClosed
	}
	p.mux.Unlock()

	// Try to get an existing connection
	select {
	case pconn := <-p.connections:
		if p.isConnectionValid(pconn) {
			pconn.UpdateLastUsed()
			return pconn, nil
		}
		if err := p.CloseConn(pconn, true); err != nil {
			log.Printf("[NNTP-POOL] Failed to close expired connection: %v", err)
		}
	default:
		// No connections available
	}

	// Create new connection if under limit
	p.mux.Lock()
	if p.activeConns < p.maxConns {
		p.activeConns++
		p.mux.Unlock()
		pconn, err := p.createConnection()
		if err != nil {
			p.mux.Lock()
			p.activeConns--
			p.mux.Unlock()
			return nil, err
		}
		pconn.UpdateLastUsed()
		p.mux.Lock()
		p.totalCreated++
		p.mux.Unlock()
		return pconn, nil
	}
	p.mux.Unlock()

	// Wait for a connection to become available
	select {
	case pconn := <-p.connections:
		if p.isConnectionValid(pconn) {
			pconn.UpdateLastUsed()
			return pconn, nil
		}
		p.CloseConn(pconn, true)
		newPconn, err := p.createConnection()
		if err != nil {
			return nil, err
		}
		newPconn.UpdateLastUsed()
		p.mux.Lock()
		p.activeConns++
		p.totalCreated++
		p.mux.Unlock()
		return newPconn, nil
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for connection from pool after 30s")
	}
}

// Put returns a connection to the pool.
func (p *Pool) Put(client *BackendConn) {
	if client == nil {
		log.Printf("[NNTP-POOL] ERROR: Attempted to put nil client back into pool")
		return
	}
	p.mux.Lock()
	closed := p.closed
	p.mux.Unlock()
	if closed {
		client.CloseFromPoolOnly()
		p.mux.Lock()
		p.totalClosed++
		p.activeConns--
		p.mux.Unlock()
		return
	}

	client.UpdateLastUsed()
	select {
	case p.connections <- client:
	default:
		log.Printf("[NNTP-POOL] ERROR: Pool full for %s:%d, closing connection", p.Backend.Host, p.Backend.Port)
		client.CloseFromPoolOnly()
		p.mux.Lock()
		p.totalClosed++
		p.activeConns--
		p.mux.Unlock()
	}
}

// CloseConn closes a specific connection.
func (p *Pool) CloseConn(client *BackendConn, lock bool) error {
	if client == nil {
		return nil
	}
	if err := client.CloseFromPoolOnly(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	if lock {
		p.mux.Lock()
		p.totalClosed++
		p.activeConns--
		p.mux.Unlock()
	}
	return nil
}

// ClosePool closes all connections in the pool.
func (p *Pool) ClosePool() error {
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return nil
	}
	p.closed = true
	p.mux.Unlock()

	close(p.connections)
	for client := range p.connections { // drain channel
		client.Quit()
		p.mux.Lock()
		p.totalClosed++
		p.activeConns--
		p.mux.Unlock()
	}
	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return PoolStats{
		MaxConnections:    p.maxConns,
		ActiveConnections: p.activeConns,
		IdleConnections:   len(p.connections),
		TotalCreated:      p.totalCreated,
		TotalClosed:       p.totalClosed,
		Closed:            p.closed,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxConnections    int
	ActiveConnections int
	IdleConnections   int
	TotalCreated      int64
	TotalClosed       int64
	Closed            bool
}

// createConnection creates a new NNTP client connection.
func (p *Pool) createConnection() (*BackendConn, error) {
	client := NewConn(p.Backend)
	client.Pool = p
	if err := client.Connect(); err != nil {
		log.Printf("[NNTP-POOL] Failed to create connection to %s:%d: %v", p.Backend.Host, p.Backend.Port, err)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return client, nil
}

// isConnectionValid checks if a connection is still valid and not expired.
func (p *Pool) isConnectionValid(client *BackendConn) bool {
	if client == nil || !client.connected {
		return false
	}
	client.mu.RLock()
	lastUsed := client.lastUsed
	client.mu.RUnlock()
	return time.Since(lastUsed) <= p.idleTimeout
}

// Cleanup probes half-idle connections and closes expired ones.
func (p *Pool) Cleanup() {
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return
	}
	p.mux.Unlock()

	var keep []*BackendConn
	for {
		select {
		case client := <-p.connections:
			client.mu.RLock()
			idle := time.Since(client.lastUsed)
			client.mu.RUnlock()
			switch {
			case idle > p.idleTimeout:
				client.Quit()
				p.mux.Lock()
				p.totalClosed++
				p.activeConns--
				p.mux.Unlock()
			case idle > p.keepAliveAfter:
				if err := client.KeepAlive(); err != nil {
					p.CloseConn(client, true)
				} else {
					keep = append(keep, client)
				}
			default:
				keep = append(keep, client)
			}
		default:
			for _, client := range keep {
				select {
				case p.connections <- client:
				default:
					p.CloseConn(client, true)
				}
			}
			return
		}
	}
}

// StartCleanupWorker starts a goroutine that periodically cleans up
// expired connections and keeps idle ones alive.
func (p *Pool) StartCleanupWorker(interval time.Duration) {
	if interval <= 0 {
		interval = 8 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			p.Cleanup()
			p.mux.RLock()
			closed := p.closed
			p.mux.RUnlock()
			if closed {
				return
			}
		}
	}()
}
