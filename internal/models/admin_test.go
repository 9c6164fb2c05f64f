package models

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadAdminRoundTrip(t *testing.T) {
	dir := t.TempDir()
	nzo := testJob(2, 2, 100)
	nzo.AdminDir = dir
	nzo.Category = "movies"
	nzo.Priority = PriorityHigh
	nzo.Password = "secret"
	nzo.CreatedAt = time.Now().Truncate(time.Second)

	// mark one article done so progress survives the round trip
	a := nzo.Files[0].Articles[0]
	nzo.ClaimArticle(a, "srv", 0)
	nzo.FinishArticle(a, true)

	if err := nzo.SaveAdmin(); err != nil {
		t.Fatalf("SaveAdmin: %v", err)
	}
	got, err := LoadAdminJob(dir, nzo.ID)
	if err != nil {
		t.Fatalf("LoadAdminJob: %v", err)
	}
	if got.ID != nzo.ID || got.Name != nzo.Name || got.Category != "movies" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Priority != PriorityHigh || got.Password != "secret" {
		t.Errorf("priority/password lost: %d %q", got.Priority, got.Password)
	}
	if got.BytesDownloaded != 100 {
		t.Errorf("progress lost: bytes_downloaded = %d", got.BytesDownloaded)
	}
	if len(got.Files) != 2 || len(got.Files[0].Articles) != 2 {
		t.Fatalf("file/article structure lost")
	}
	if !got.Files[0].Articles[0].Done {
		t.Error("done flag lost")
	}
	if got.AdminDir != dir {
		t.Errorf("admin dir = %q, want %q", got.AdminDir, dir)
	}
}

func TestLoadAdminJobRefusesNewerVersion(t *testing.T) {
	dir := t.TempDir()
	admin := filepath.Join(dir, AdminSubDir)
	if err := os.MkdirAll(admin, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(admin, "SABnzbd_nzo_future"),
		[]byte(`{"version":99,"job":{"id":"SABnzbd_nzo_future"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAdminJob(dir, "SABnzbd_nzo_future"); err == nil {
		t.Error("newer job version accepted")
	}
}

func TestAttribsRoundTripUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	nzo := testJob(1, 1, 10)
	nzo.AdminDir = dir

	attribs := map[string]string{
		AttribCategory: "tv",
		AttribPriority: "1",
		AttribPassword: "pw",
		"future_key":   "kept as-is",
		"another":      "value=with=equals",
	}
	if err := nzo.SaveAttribs(attribs); err != nil {
		t.Fatalf("SaveAttribs: %v", err)
	}
	got, err := LoadAttribs(dir)
	if err != nil {
		t.Fatalf("LoadAttribs: %v", err)
	}
	for k, v := range attribs {
		if got[k] != v {
			t.Errorf("attrib %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestLoadAttribsMissingFile(t *testing.T) {
	got, err := LoadAttribs(t.TempDir())
	if err != nil {
		t.Fatalf("LoadAttribs on empty dir: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestSaveMapLoadMap(t *testing.T) {
	nzo := testJob(1, 1, 10)
	nzo.AdminDir = t.TempDir()

	m := map[string]string{"aBcDeF123.bin": "real-name.mkv"}
	if err := nzo.SaveMap(RenamesFileName, m); err != nil {
		t.Fatalf("SaveMap: %v", err)
	}
	got, err := nzo.LoadMap(RenamesFileName)
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if got["aBcDeF123.bin"] != "real-name.mkv" {
		t.Errorf("rename map lost: %v", got)
	}

	// missing map yields an empty map, not an error
	empty, err := nzo.LoadMap(VerifiedFileName)
	if err != nil || len(empty) != 0 {
		t.Errorf("missing map: got %v, %v", empty, err)
	}
}

func TestSaveNzbGz(t *testing.T) {
	nzo := testJob(1, 1, 10)
	nzo.AdminDir = t.TempDir()
	nzo.SanitizedName = "my job"

	payload := []byte("<nzb>not really xml</nzb>")
	if err := nzo.SaveNzbGz(payload); err != nil {
		t.Fatalf("SaveNzbGz: %v", err)
	}
	f, err := os.Open(nzo.NzbGzPath())
	if err != nil {
		t.Fatalf("stored nzb.gz missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("not gzip: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("round trip changed nzb content")
	}
}
