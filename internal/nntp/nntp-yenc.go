package nntp

// yEnc decoder for article bodies. Recognizes single-part (=ybegin/=yend)
// and multipart (=ybegin/=ypart/=yend) payloads.

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// YencHeader carries the metadata parsed from =ybegin/=ypart/=yend lines.
type YencHeader struct {
	Name  string // declared filename
	Size  int64  // total file size from =ybegin
	Part  int    // part number, 0 for single-part
	Total int    // total parts if declared
	Begin int64  // 1-based first byte offset of this part (multipart)
	End   int64  // last byte offset of this part (multipart)
	CRC32 uint32 // crc from =yend (pcrc32 for parts), 0 if absent
	HasCRC bool
}

// Offset returns the 0-based byte offset of this part within the file.
func (h *YencHeader) Offset() int64 {
	if h.Begin > 0 {
		return h.Begin - 1
	}
	return 0
}

// YencCheckCRC toggles CRC32 verification of decoded parts.
var YencCheckCRC = true

// DecodeYenc decodes a raw article body (dot-unstuffed, line oriented)
// into file bytes plus the parsed header. Returns ErrArticleIncomplete
// when the =yend trailer is missing or the CRC does not match.
func DecodeYenc(raw []byte) ([]byte, *YencHeader, error) {
	hdr := &YencHeader{}
	out := make([]byte, 0, len(raw))
	sawBegin := false
	sawEnd := false
	escape := false

	for len(raw) > 0 {
		var line []byte
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line = raw[:i]
			raw = raw[i+1:]
		} else {
			line = raw
			raw = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if !sawBegin {
			if bytes.HasPrefix(line, []byte("=ybegin ")) {
				parseYencFields(string(line[len("=ybegin "):]), hdr, false)
				sawBegin = true
			}
			continue
		}
		if bytes.HasPrefix(line, []byte("=ypart ")) {
			parseYencFields(string(line[len("=ypart "):]), hdr, true)
			continue
		}
		if bytes.HasPrefix(line, []byte("=yend ")) {
			parseYendFields(string(line[len("=yend "):]), hdr)
			sawEnd = true
			break
		}

		// decode payload line
		for _, c := range line {
			if escape {
				out = append(out, c-64-42)
				escape = false
				continue
			}
			if c == '=' {
				escape = true
				continue
			}
			out = append(out, c-42)
		}
		// escape never spans lines
		escape = false
	}

	if !sawBegin {
		return nil, nil, fmt.Errorf("no =ybegin header in article body: %w", ErrArticleIncomplete)
	}
	if !sawEnd {
		return nil, nil, fmt.Errorf("missing =yend trailer: %w", ErrArticleIncomplete)
	}
	if YencCheckCRC && hdr.HasCRC {
		if sum := crc32.ChecksumIEEE(out); sum != hdr.CRC32 {
			return nil, nil, fmt.Errorf("crc32 mismatch: got %08x want %08x: %w",
				sum, hdr.CRC32, ErrArticleIncomplete)
		}
	}
	return out, hdr, nil
}

// parseYencFields parses the key=value fields of =ybegin / =ypart lines.
// The name= field extends to end of line and may contain spaces.
func parseYencFields(s string, hdr *YencHeader, isPart bool) {
	if i := strings.Index(s, "name="); i >= 0 {
		hdr.Name = strings.TrimSpace(s[i+len("name="):])
		s = s[:i]
	}
	for _, field := range strings.Fields(s) {
		k, v, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch k {
		case "size":
			if !isPart {
				hdr.Size = n
			}
		case "part":
			hdr.Part = int(n)
		case "total":
			hdr.Total = int(n)
		case "begin":
			if isPart {
				hdr.Begin = n
			}
		case "end":
			if isPart {
				hdr.End = n
			}
		}
	}
}

// parseYendFields parses the =yend trailer; pcrc32 (part) wins over crc32.
func parseYendFields(s string, hdr *YencHeader) {
	for _, field := range strings.Fields(s) {
		k, v, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch k {
		case "pcrc32":
			if sum, err := strconv.ParseUint(v, 16, 32); err == nil {
				hdr.CRC32 = uint32(sum)
				hdr.HasCRC = true
			}
		case "crc32":
			if !hdr.HasCRC {
				if sum, err := strconv.ParseUint(v, 16, 32); err == nil {
					hdr.CRC32 = uint32(sum)
					hdr.HasCRC = true
				}
			}
		}
	}
}
