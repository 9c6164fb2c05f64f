package nntp

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"testing"
)

// yencEncode produces a valid payload line set for the given bytes.
func yencEncode(data []byte) []byte {
	var out bytes.Buffer
	col := 0
	for _, b := range data {
		c := b + 42
		switch c {
		case 0x00, 0x0A, 0x0D, '=':
			out.WriteByte('=')
			out.WriteByte(c + 64)
			col += 2
		default:
			out.WriteByte(c)
			col++
		}
		if col >= 128 {
			out.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

func TestDecodeYencSinglePart(t *testing.T) {
	payload := []byte("Hello yEnc world! \x00\x0d\x0a\x3d binary bytes \xff\xfe")
	var body bytes.Buffer
	fmt.Fprintf(&body, "=ybegin line=128 size=%d name=test file.bin\r\n", len(payload))
	body.Write(yencEncode(payload))
	fmt.Fprintf(&body, "=yend size=%d crc32=%08x\r\n", len(payload), crc32.ChecksumIEEE(payload))

	data, hdr, err := DecodeYenc(body.Bytes())
	if err != nil {
		t.Fatalf("DecodeYenc failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("decoded bytes differ: got %q want %q", data, payload)
	}
	if hdr.Name != "test file.bin" {
		t.Errorf("name = %q, want %q", hdr.Name, "test file.bin")
	}
	if hdr.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", hdr.Size, len(payload))
	}
	if hdr.Offset() != 0 {
		t.Errorf("single-part offset = %d, want 0", hdr.Offset())
	}
}

func TestDecodeYencMultiPart(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01, 0x02, 0xfd, 0x3d, 0x00}, 100)
	var body bytes.Buffer
	fmt.Fprintf(&body, "=ybegin part=2 total=3 line=128 size=5000 name=big.bin\r\n")
	fmt.Fprintf(&body, "=ypart begin=1001 end=%d\r\n", 1000+len(payload))
	body.Write(yencEncode(payload))
	fmt.Fprintf(&body, "=yend size=%d part=2 pcrc32=%08x\r\n", len(payload), crc32.ChecksumIEEE(payload))

	data, hdr, err := DecodeYenc(body.Bytes())
	if err != nil {
		t.Fatalf("DecodeYenc failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("decoded %d bytes, want %d, content differs", len(data), len(payload))
	}
	if hdr.Part != 2 || hdr.Total != 3 {
		t.Errorf("part/total = %d/%d, want 2/3", hdr.Part, hdr.Total)
	}
	if hdr.Offset() != 1000 {
		t.Errorf("offset = %d, want 1000", hdr.Offset())
	}
	if hdr.Size != 5000 {
		t.Errorf("declared size = %d, want 5000", hdr.Size)
	}
}

func TestDecodeYencCRCMismatch(t *testing.T) {
	payload := []byte("some payload")
	var body bytes.Buffer
	fmt.Fprintf(&body, "=ybegin line=128 size=%d name=x\r\n", len(payload))
	body.Write(yencEncode(payload))
	fmt.Fprintf(&body, "=yend size=%d crc32=deadbeef\r\n", len(payload))

	_, _, err := DecodeYenc(body.Bytes())
	if !errors.Is(err, ErrArticleIncomplete) {
		t.Errorf("expected ErrArticleIncomplete on bad crc, got %v", err)
	}
}

func TestDecodeYencMissingTrailer(t *testing.T) {
	var body bytes.Buffer
	body.WriteString("=ybegin line=128 size=4 name=x\r\n")
	body.Write(yencEncode([]byte("abcd")))

	_, _, err := DecodeYenc(body.Bytes())
	if !errors.Is(err, ErrArticleIncomplete) {
		t.Errorf("expected ErrArticleIncomplete without =yend, got %v", err)
	}
}

func TestDecodeYencNoHeader(t *testing.T) {
	_, _, err := DecodeYenc([]byte("just some text\r\nno yenc here\r\n"))
	if !errors.Is(err, ErrArticleIncomplete) {
		t.Errorf("expected ErrArticleIncomplete without =ybegin, got %v", err)
	}
}

func TestDecodeYencSkipsLeadingGarbage(t *testing.T) {
	payload := []byte("payload after headers")
	var body bytes.Buffer
	body.WriteString("Here is your file.\r\n\r\n")
	fmt.Fprintf(&body, "=ybegin line=128 size=%d name=y\r\n", len(payload))
	body.Write(yencEncode(payload))
	fmt.Fprintf(&body, "=yend size=%d crc32=%08x\r\n", len(payload), crc32.ChecksumIEEE(payload))

	data, _, err := DecodeYenc(body.Bytes())
	if err != nil {
		t.Fatalf("DecodeYenc failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("decoded bytes differ with leading garbage")
	}
}
