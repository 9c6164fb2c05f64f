package nntp

// NNTP commands used to fetch binary articles.

import (
	"fmt"
	"io"
	"time"
)

// MaxArticleBytes caps how much body a single article may carry.
// Anything larger than this is broken or hostile.
const MaxArticleBytes = 64 * 1024 * 1024

// GroupInfo represents newsgroup information from GROUP.
type GroupInfo struct {
	Name  string
	Count int64
	First int64
	Last  int64
}

// SelectGroup issues GROUP for servers that require a group context
// before ARTICLE/BODY by message-id. The selection is cached per
// connection, so repeated fetches from one group cost nothing.
func (c *BackendConn) SelectGroup(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected")
	}
	if c.currentGroup == group {
		return nil
	}
	c.lastUsed = time.Now()

	id, err := c.textConn.Cmd("GROUP %s", group)
	if err != nil {
		return fmt.Errorf("failed to send GROUP %s: %w", group, err)
	}
	c.textConn.StartResponse(id)
	defer c.textConn.EndResponse(id)

	code, message, err := c.textConn.ReadCodeLine(GroupSelected)
	if err != nil && code == 0 {
		return fmt.Errorf("failed to read GROUP %s response: %w", group, err)
	}
	if code != GroupSelected {
		return classifyResponse(code, message)
	}
	c.currentGroup = group
	return nil
}

// FetchBody issues BODY <msgid>, reads the dot-terminated reply and decodes
// the yEnc payload. The caller gets raw file bytes plus the parsed yEnc
// header (offset, declared name, crc).
func (c *BackendConn) FetchBody(messageID string) ([]byte, *YencHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, fmt.Errorf("not connected")
	}
	c.lastUsed = time.Now()

	if c.Backend.NetTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.Backend.NetTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	id, err := c.textConn.Cmd("BODY %s", messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send BODY %s: %w", messageID, err)
	}
	c.textConn.StartResponse(id)
	defer c.textConn.EndResponse(id)

	code, message, err := c.textConn.ReadCodeLine(BodyFollows)
	if err != nil && code == 0 {
		return nil, nil, fmt.Errorf("failed to read BODY %s response: %w", messageID, err)
	}
	if code != BodyFollows {
		switch code {
		case NoSuchArticle:
			return nil, nil, ErrArticleNotFound
		case DMCA:
			return nil, nil, ErrArticleRemoved
		default:
			return nil, nil, classifyResponse(code, message)
		}
	}

	raw, err := io.ReadAll(io.LimitReader(c.textConn.DotReader(), MaxArticleBytes+1))
	if err != nil {
		// transport died mid-article; the connection is unusable now
		return nil, nil, fmt.Errorf("read of %s aborted: %v: %w", messageID, err, ErrArticleIncomplete)
	}
	if len(raw) > MaxArticleBytes {
		return nil, nil, fmt.Errorf("article %s exceeds %d bytes", messageID, MaxArticleBytes)
	}

	decoded, hdr, err := DecodeYenc(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode of %s failed: %w", messageID, err)
	}
	return decoded, hdr, nil
}
