package nntp

// Error kinds emitted by the NNTP layer. The downloader maps these to
// retry, failover or permanent-failure decisions.

import (
	"errors"
	"net"
	"os"
)

var (
	// ErrArticleNotFound: the server replied 430-class "no such article".
	ErrArticleNotFound = errors.New("article not found")
	// ErrArticleRemoved: the server removed the article (DMCA takedown).
	ErrArticleRemoved = errors.New("article removed")
	// ErrArticleIncomplete: transport closed mid-article or CRC mismatch.
	ErrArticleIncomplete = errors.New("article incomplete")
	// ErrAuthFailed: login rejected; the server must be disabled.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrThrottled: the server asked us to slow down.
	ErrThrottled = errors.New("server throttled connection")
	// ErrQuotaExceeded: server-side quota response.
	ErrQuotaExceeded = errors.New("server quota exceeded")
	// ErrPoolClosed: the connection pool has been shut down.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// ErrorKind classifies a fetch failure for the downloader.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindArticleMissing
	KindArticleIncomplete
	KindAuthFailed
	KindThrottled
	KindQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindArticleMissing:
		return "ArticleMissing"
	case KindArticleIncomplete:
		return "ArticleIncomplete"
	case KindAuthFailed:
		return "AuthFailed"
	case KindThrottled:
		return "Throttled"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	}
	return "Transient"
}

// Classify maps an error returned by a fetch to its kind. Anything not
// recognized counts as transient (timeouts, resets, DNS failures).
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrArticleNotFound), errors.Is(err, ErrArticleRemoved):
		return KindArticleMissing
	case errors.Is(err, ErrArticleIncomplete):
		return KindArticleIncomplete
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// Permanent reports whether retrying the same server is pointless.
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindArticleMissing, KindAuthFailed, KindQuotaExceeded:
		return true
	}
	return false
}
