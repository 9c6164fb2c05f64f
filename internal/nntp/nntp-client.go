package nntp

// nntp provides the NNTP client side of go-nzbgrab: authenticated
// connections to news servers used to fetch binary articles.

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
)

const (
	// NNTPWelcomeCodeMin is the minimum welcome code for NNTP servers.
	NNTPWelcomeCodeMin int = 200
	// NNTPWelcomeCodeMax is the maximum welcome code for NNTP servers.
	NNTPWelcomeCodeMax int = 201
	// NNTPMoreInfoCode indicates more information is required (e.g., password).
	NNTPMoreInfoCode int = 381
	// NNTPAuthSuccess indicates successful authentication.
	NNTPAuthSuccess int = 281
	// NNTPAuthRejected indicates rejected credentials.
	NNTPAuthRejected int = 481
	// NNTPAuthRequired indicates the server wants authentication first.
	NNTPAuthRequired int = 480

	// ArticleFollows indicates that an article follows (multi-line).
	ArticleFollows int = 220
	// BodyFollows indicates that the body of an article follows (multi-line).
	BodyFollows int = 222
	// GroupSelected indicates a successful GROUP command.
	GroupSelected int = 211

	// NoSuchArticle indicates that no such article exists.
	NoSuchArticle int = 430
	// DMCA indicates a DMCA takedown.
	DMCA int = 451
	// RateLimited is sent by some providers when a connection is throttled.
	RateLimited int = 502

	// DefaultConnExpire is the default connection idle expiration.
	DefaultConnExpire = 25 * time.Second
)

// BackendConn represents one authenticated NNTP connection to a server.
// Invariant: at most one article is in flight per connection.
type BackendConn struct {
	conn     net.Conn
	textConn *textproto.Conn
	Backend  *BackendConfig
	mu       sync.RWMutex
	Pool     *Pool // link to parent pool

	// Connection state
	connected     bool
	authenticated bool
	created       time.Time
	lastUsed      time.Time
	currentGroup  string
}

// BackendConfig holds per-server connection settings, derived from
// config.ServerConfig by the server pool.
type BackendConfig struct {
	Name           string // display name, used in attempted-server sets
	Host           string
	Port           int
	SSL            bool
	SSLVerify      string // none / minimal / strict
	Username       string
	Password       string
	ConnectTimeout time.Duration
	NetTimeout     time.Duration
	MaxConns       int
	Priority       int
	Mux            sync.Mutex
}

// NewConn creates a new empty NNTP connection with the provided backend configuration.
func NewConn(backend *BackendConfig) *BackendConn {
	return &BackendConn{
		Backend: backend,
		created: time.Now(),
	}
}

// Connect establishes the connection, reads the welcome banner and
// authenticates when credentials are configured.
func (c *BackendConn) Connect() error {
	c.Backend.Mux.Lock()
	if c.Backend.ConnectTimeout == 0 {
		c.Backend.ConnectTimeout = config.DefaultConnectTimeout
	}
	c.Backend.Mux.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	conn, err := DialHappyEyeballs(c.Backend.Host, c.Backend.Port, c.Backend.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.Backend.Host, c.Backend.Port, err)
	}

	if c.Backend.SSL {
		tlsConfig := &tls.Config{
			ServerName: c.Backend.Host,
			MinVersion: tls.VersionTLS12,
		}
		switch c.Backend.SSLVerify {
		case config.SSLVerifyNone:
			tlsConfig.InsecureSkipVerify = true
		case config.SSLVerifyMinimal:
			// accept any chain but require a matching hostname
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					return fmt.Errorf("no peer certificate")
				}
				return cs.PeerCertificates[0].VerifyHostname(c.Backend.Host)
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(c.Backend.ConnectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake with %s:%d failed: %w", c.Backend.Host, c.Backend.Port, err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	c.conn = conn
	c.textConn = textproto.NewConn(conn)

	// Read welcome message
	code, message, err := c.textConn.ReadCodeLine(NNTPWelcomeCodeMin)
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	if code < NNTPWelcomeCodeMin || code > NNTPWelcomeCodeMax {
		log.Printf("[NNTP-CONN] Invalid welcome code %d from %s:%d: %s", code, c.Backend.Host, c.Backend.Port, message)
		c.closeLocked()
		return fmt.Errorf("unexpected welcome code %d: %s", code, message)
	}

	c.connected = true
	c.lastUsed = time.Now()

	if c.Backend.Username != "" {
		if err := c.authenticate(); err != nil {
			log.Printf("[NNTP-AUTH] Authentication FAILED for user '%s' on %s:%d: %v",
				c.Backend.Username, c.Backend.Host, c.Backend.Port, err)
			c.closeLocked()
			return err
		}
	}

	return nil
}

// authenticate performs AUTHINFO USER/PASS.
func (c *BackendConn) authenticate() error {
	id, err := c.textConn.Cmd("AUTHINFO USER %s", c.Backend.Username)
	if err != nil {
		return err
	}
	c.textConn.StartResponse(id)
	code, message, err := c.textConn.ReadCodeLine(NNTPMoreInfoCode)
	c.textConn.EndResponse(id)
	if err != nil && code != NNTPAuthSuccess {
		if code == NNTPAuthRejected {
			return fmt.Errorf("AUTHINFO USER rejected: %d %s: %w", code, message, ErrAuthFailed)
		}
		return err
	}
	if code == NNTPAuthSuccess {
		// some servers accept the username alone
		c.authenticated = true
		return nil
	}
	if code != NNTPMoreInfoCode {
		return fmt.Errorf("unexpected response to AUTHINFO USER: %d %s: %w", code, message, ErrAuthFailed)
	}

	id, err = c.textConn.Cmd("AUTHINFO PASS %s", c.Backend.Password)
	if err != nil {
		return err
	}
	c.textConn.StartResponse(id)
	code, message, err = c.textConn.ReadCodeLine(NNTPAuthSuccess)
	c.textConn.EndResponse(id)
	if err != nil && code != NNTPAuthRejected {
		return err
	}
	if code != NNTPAuthSuccess {
		return fmt.Errorf("login rejected: %d %s: %w", code, message, ErrAuthFailed)
	}
	c.authenticated = true
	return nil
}

// closeLocked tears down the socket. Caller holds c.mu.
func (c *BackendConn) closeLocked() {
	if c.textConn != nil {
		c.textConn.Close()
	} else if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	c.authenticated = false
	c.textConn = nil
	c.conn = nil
	c.currentGroup = ""
}

// CloseFromPoolOnly closes a raw NNTP connection. Only the pool calls this.
func (c *BackendConn) CloseFromPoolOnly() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected && c.conn == nil {
		return nil
	}
	c.closeLocked()
	return nil
}

// Quit sends QUIT and closes. Best effort on shutdown.
func (c *BackendConn) Quit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && c.textConn != nil {
		if id, err := c.textConn.Cmd("QUIT"); err == nil {
			c.textConn.StartResponse(id)
			c.textConn.ReadCodeLine(205)
			c.textConn.EndResponse(id)
		}
	}
	c.closeLocked()
}

// UpdateLastUsed updates the last used timestamp.
func (c *BackendConn) UpdateLastUsed() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// KeepAlive probes an idle connection with DATE so providers do not drop it.
func (c *BackendConn) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected")
	}
	id, err := c.textConn.Cmd("DATE")
	if err != nil {
		return err
	}
	c.textConn.StartResponse(id)
	defer c.textConn.EndResponse(id)
	if _, _, err := c.textConn.ReadCodeLine(111); err != nil {
		return err
	}
	c.lastUsed = time.Now()
	return nil
}

// classifyResponse maps throttle/quota response text onto error kinds.
// Providers signal both conditions with 502-class replies and free text.
func classifyResponse(code int, message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "exceeded your"):
		return fmt.Errorf("%d %s: %w", code, message, ErrQuotaExceeded)
	case strings.Contains(lower, "too many") || strings.Contains(lower, "limit reached") ||
		strings.Contains(lower, "try later"):
		return fmt.Errorf("%d %s: %w", code, message, ErrThrottled)
	case code == NNTPAuthRequired || code == NNTPAuthRejected:
		return fmt.Errorf("%d %s: %w", code, message, ErrAuthFailed)
	}
	return fmt.Errorf("unexpected response %d %s", code, message)
}
