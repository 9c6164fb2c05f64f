package models

// Per-job admin directory bookkeeping. Every job keeps a directory
// <admin_dir>/<job>/__ADMIN__/ holding its serialized state, a gzipped copy
// of the source NZB, the rename and verification maps and the attribute
// file. All writes are atomic (write-temp, fsync, rename).

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-while/go-nzbgrab/internal/config"
)

const (
	AdminSubDir      = "__ADMIN__"
	VerifiedFileName = "__verified__"
	RenamesFileName  = "__renames__"
	AttribFileName   = "SABnzbd_attrib"

	// JobVersion tags the serialized job schema.
	JobVersion = 1
)

// Attribute keys recognized in SABnzbd_attrib. Unknown keys round-trip.
const (
	AttribCategory = "cat"
	AttribPriority = "priority"
	AttribPassword = "password"
	AttribURL      = "url"
	AttribPP       = "pp"
	AttribScript   = "script"
)

// jobEnvelope wraps the serialized job with a leading version tag.
type jobEnvelope struct {
	Version int        `json:"version"`
	Job     *NzbObject `json:"job"`
}

// AdminPath returns the admin directory for the job, creating it if needed.
func (nzo *NzbObject) AdminPath() (string, error) {
	nzo.Mux.RLock()
	dir := nzo.AdminDir
	nzo.Mux.RUnlock()
	if dir == "" {
		return "", fmt.Errorf("job %s has no admin dir", nzo.ID)
	}
	path := filepath.Join(dir, AdminSubDir)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create admin dir %s: %w", path, err)
	}
	return path, nil
}

// SaveAdmin serializes the job into its admin directory.
func (nzo *NzbObject) SaveAdmin() error {
	path, err := nzo.AdminPath()
	if err != nil {
		return err
	}
	nzo.Mux.RLock()
	data, err := json.Marshal(&jobEnvelope{Version: JobVersion, Job: nzo})
	id := nzo.ID
	nzo.Mux.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", id, err)
	}
	return config.AtomicWriteFile(filepath.Join(path, id), data, 0644)
}

// LoadAdminJob restores a job from its serialized admin file.
func LoadAdminJob(adminDir, nzoID string) (*NzbObject, error) {
	path := filepath.Join(adminDir, AdminSubDir, nzoID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	if env.Version > JobVersion {
		return nil, fmt.Errorf("job file %s has version %d, this build supports up to %d",
			path, env.Version, JobVersion)
	}
	if env.Job == nil {
		return nil, fmt.Errorf("job file %s contains no job", path)
	}
	env.Job.AdminDir = adminDir
	return env.Job, nil
}

// SaveNzbGz stores a gzipped copy of the source NZB next to the job state.
func (nzo *NzbObject) SaveNzbGz(nzbData []byte) error {
	path, err := nzo.AdminPath()
	if err != nil {
		return err
	}
	nzo.Mux.RLock()
	name := nzo.SanitizedName
	nzo.Mux.RUnlock()
	target := filepath.Join(path, name+".nzb.gz")
	tmp, err := os.CreateTemp(path, "nzbgz-*")
	if err != nil {
		return fmt.Errorf("failed to create temp nzb.gz: %w", err)
	}
	tmpName := tmp.Name()
	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(nzbData); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to gzip nzb: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to finish nzb.gz: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync nzb.gz: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}

// NzbGzPath returns the path of the stored gzipped NZB.
func (nzo *NzbObject) NzbGzPath() string {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	return filepath.Join(nzo.AdminDir, AdminSubDir, nzo.SanitizedName+".nzb.gz")
}

// SaveMap persists a filename map (__verified__ or __renames__).
func (nzo *NzbObject) SaveMap(fileName string, m map[string]string) error {
	path, err := nzo.AdminPath()
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", fileName, err)
	}
	return config.AtomicWriteFile(filepath.Join(path, fileName), data, 0644)
}

// LoadMap reads a filename map; a missing file yields an empty map.
func (nzo *NzbObject) LoadMap(fileName string) (map[string]string, error) {
	nzo.Mux.RLock()
	path := filepath.Join(nzo.AdminDir, AdminSubDir, fileName)
	nzo.Mux.RUnlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}

// SaveAttribs writes the key/value attribute file. The map may contain
// unrecognized keys; everything round-trips.
func (nzo *NzbObject) SaveAttribs(attribs map[string]string) error {
	path, err := nzo.AdminPath()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(attribs))
	for k := range attribs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, attribs[k])
	}
	return config.AtomicWriteFile(filepath.Join(path, AttribFileName), []byte(b.String()), 0644)
}

// LoadAttribs reads the attribute file; a missing file yields an empty map.
func LoadAttribs(adminDir string) (map[string]string, error) {
	path := filepath.Join(adminDir, AdminSubDir, AttribFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	attribs := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		attribs[k] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return attribs, nil
}

// Attribs builds the attribute map recovered on restart.
func (nzo *NzbObject) Attribs() map[string]string {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	return map[string]string{
		AttribCategory: nzo.Category,
		AttribPriority: fmt.Sprintf("%d", int(nzo.Priority)),
		AttribPassword: nzo.Password,
		AttribURL:      nzo.URL,
		AttribPP:       fmt.Sprintf("%d", nzo.PPLevel),
		AttribScript:   nzo.Script,
	}
}

// RemoveAdmin deletes the job's admin directory tree.
func (nzo *NzbObject) RemoveAdmin() error {
	nzo.Mux.RLock()
	dir := nzo.AdminDir
	nzo.Mux.RUnlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
