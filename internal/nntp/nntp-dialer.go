package nntp

// Happy-eyeballs dialing: IPv4 and IPv6 candidates race with a small head
// start for the previous winner; the winning address is cached briefly so
// reconnects skip the race.

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// dialAttemptDelay staggers the start of the second address family.
	dialAttemptDelay = 250 * time.Millisecond

	// winnerTTL is how long a winning address is reused without re-racing.
	winnerTTL = 10 * time.Minute
)

// dialWinners caches host:port -> winning ip string.
var dialWinners = gocache.New(winnerTTL, 2*winnerTTL)

// DialHappyEyeballs connects to host:port trying v4 and v6 candidates in
// parallel and returns the first connection that completes the TCP handshake.
func DialHappyEyeballs(host string, port int, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	// cached winner first
	if ip, ok := dialWinners.Get(addr); ok {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip.(string), fmt.Sprintf("%d", port)), timeout)
		if err == nil {
			return conn, nil
		}
		dialWinners.Delete(addr)
		log.Printf("[NNTP-DIAL] Cached winner %s for %s failed, re-racing: %v", ip, addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	// interleave: v6 first (RFC 6555 ordering), v4 staggered behind
	var v4, v6 []net.IPAddr
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	type result struct {
		conn net.Conn
		ip   string
		err  error
	}
	results := make(chan result, len(ips))
	dial := func(ip net.IPAddr, delay time.Duration) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				results <- result{err: ctx.Err()}
				return
			}
		}
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.IP.String(), fmt.Sprintf("%d", port)))
		results <- result{conn: conn, ip: ip.IP.String(), err: err}
	}

	launched := 0
	for _, ip := range v6 {
		go dial(ip, 0)
		launched++
	}
	for _, ip := range v4 {
		var delay time.Duration
		if len(v6) > 0 {
			delay = dialAttemptDelay
		}
		go dial(ip, delay)
		launched++
	}

	var firstErr error
	for i := 0; i < launched; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				// winner takes all; drain losers in the background
				dialWinners.Set(addr, r.ip, gocache.DefaultExpiration)
				remaining := launched - i - 1
				go func() {
					for j := 0; j < remaining; j++ {
						if lr := <-results; lr.conn != nil {
							lr.conn.Close()
						}
					}
				}()
				return r.conn, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s timed out: %w", addr, ctx.Err())
		}
	}
	return nil, fmt.Errorf("all dial attempts to %s failed: %w", addr, firstErr)
}
