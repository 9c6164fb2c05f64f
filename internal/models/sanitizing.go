package models

// Filename and subject sanitization for files written below the
// incomplete/complete directories.

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// MaxFilenameLen clamps sanitized names so they stay below common
// filesystem limits with room for dedupe suffixes.
const MaxFilenameLen = 240

// Characters never allowed in output filenames.
var forbiddenChars = `\/:*?"<>|` + "\x00"

// Reserved device names on case-insensitive filesystems.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ConvertToUTF8 converts Latin-1 text to UTF-8 if needed. Subjects and yEnc
// names from old posts frequently carry ISO-8859-1 bytes.
func ConvertToUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	decoder := charmap.ISO8859_1.NewDecoder()
	result, _, err := transform.String(decoder, text)
	if err != nil {
		return strings.ToValidUTF8(text, "_")
	}
	return result
}

// SanitizeFilename makes a declared filename safe to write to disk.
// The function is idempotent: sanitizing an already-sanitized name is a no-op.
func SanitizeFilename(name string) string {
	name = ConvertToUTF8(name)

	// strip any path components smuggled into the name
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(forbiddenChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	// no leading/trailing dots or spaces
	name = strings.Trim(name, ". ")

	if name == "" {
		name = "unknown"
	}

	// reserved device names get a suffix (check the stem, not the extension)
	stem := name
	if i := strings.IndexByte(name, '.'); i > 0 {
		stem = name[:i]
	}
	if reservedNames[strings.ToLower(stem)] {
		name = "_" + name
	}

	if len(name) > MaxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		keep := MaxFilenameLen - len(ext)
		// cut on a rune boundary
		cut := keep
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	return name
}

// SanitizeJobName makes a job display name safe for use as a directory name.
func SanitizeJobName(name string) string {
	name = SanitizeFilename(name)
	// directory names additionally never end in a dot on any platform
	return strings.TrimRight(name, ".")
}
