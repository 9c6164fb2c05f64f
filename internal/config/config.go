// Package config provides configuration management for go-nzbgrab.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var AppVersion = "-unset-" // will be set at build time

const (
	// NNTP protocol constants
	DOT  = "."
	CR   = "\r"
	LF   = "\n"
	CRLF = CR + LF

	// Default connection settings
	DefaultConnectTimeout = 30 * time.Second
	DefaultNetTimeout     = 60 * time.Second
	DefaultIdleTimeout    = 25 * time.Second
	DefaultKeepAlive      = 50 * time.Second

	// DefaultArticleCacheLimit bounds decoded article bytes held in memory.
	DefaultArticleCacheLimit = 256 * 1024 * 1024

	// DefaultWarningRingSize bounds the in-memory warning ring.
	DefaultWarningRingSize = 20

	// ConfigFileName is the settings file inside the admin directory.
	ConfigFileName = "config.ini"
)

// SSLVerify modes for NNTP server certificates.
const (
	SSLVerifyNone    = "none"
	SSLVerifyMinimal = "minimal"
	SSLVerifyStrict  = "strict"
)

// QuotaPeriod values for server quota resets.
const (
	QuotaPeriodDay   = "day"
	QuotaPeriodWeek  = "week"
	QuotaPeriodMonth = "month"
)

// Duplicate policies applied on queue admission.
const (
	DupIgnore = "ignore"
	DupPause  = "pause"
	DupFail   = "fail"
	DupTag    = "tag"
)

// ServerConfig represents an NNTP server (news provider) configuration.
type ServerConfig struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	SSL           bool   `json:"ssl"`
	SSLVerify     string `json:"ssl_verify"` // none / minimal / strict
	Username      string `json:"username"`
	Password      string `json:"password"`
	MaxConns      int    `json:"max_connections"`
	Enabled       bool   `json:"enabled"`
	Required      bool   `json:"required"`
	Priority      int    `json:"priority"`       // Lower numbers = higher priority
	RetentionDays int    `json:"retention_days"` // 0 = unlimited
	QuotaBytes    int64  `json:"quota_bytes"`    // 0 = no quota
	QuotaPeriod   string `json:"quota_period"`   // day / week / month
	ExpireDate    string `json:"expire_date"`    // YYYY-MM-DD, empty = never
}

// DownloadConfig holds download engine settings.
type DownloadConfig struct {
	ArticleCacheLimit int64  `json:"article_cache_limit"` // bytes
	SpeedLimitAbs     int64  `json:"speed_limit_abs"`     // bytes/sec line speed, 0 = unlimited
	SpeedLimitPct     int    `json:"speed_limit_pct"`     // percent of line speed, 0 or 100 = full
	MaxRetries        int    `json:"max_retries"`         // per-article retries on the same server
	PropagationDelay  int    `json:"propagation_delay"`   // minutes
	TopOnly           bool   `json:"top_only"`
	NetTimeout        int    `json:"net_timeout"` // seconds
	IncompleteDir     string `json:"incomplete_dir"`
	CompleteDir       string `json:"complete_dir"`
}

// PostProcConfig holds post-processing settings.
type PostProcConfig struct {
	Par2Cmd         string   `json:"par2_cmd"`
	UnrarCmd        string   `json:"unrar_cmd"`
	SevenZipCmd     string   `json:"sevenzip_cmd"`
	UnzipCmd        string   `json:"unzip_cmd"`
	SafePostproc    bool     `json:"safe_postproc"`
	AllowIncomplete bool     `json:"allow_incomplete"`
	PauseOnPwRar    bool     `json:"pause_on_pwrar"`
	CleanupList     []string `json:"cleanup_list"` // extensions removed after unpack
	DeleteArchives  bool     `json:"delete_archives"`
	Deobfuscate     bool     `json:"deobfuscate_final"`
	ScriptDir       string   `json:"script_dir"`
	ScriptCanFail   bool     `json:"script_can_fail"`
	PasswordFile    string   `json:"password_file"`
}

// HistoryConfig holds history retention settings.
type HistoryConfig struct {
	RetentionDays  int `json:"retention_days"`  // 0 = keep forever
	RetentionCount int `json:"retention_count"` // 0 = unlimited
}

// SchedTask is one configured scheduler entry.
type SchedTask struct {
	Enabled  bool   `json:"enabled"`
	Minute   int    `json:"minute"`
	Hour     int    `json:"hour"`
	Weekdays []int  `json:"weekdays"` // 0=Sunday .. 6=Saturday, empty = every day
	Action   string `json:"action"`
	Args     string `json:"args"`
}

// WebConfig holds the HTTP+JSON API settings.
type WebConfig struct {
	ListenPort int    `json:"listen_port"`
	SSL        bool   `json:"ssl"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	APIKeyHash string `json:"api_key_hash"` // bcrypt hash, set via nzbgrabmgr
	Debug      bool   `json:"debug"`
}

// MainConfig holds the main configuration for go-nzbgrab.
type MainConfig struct {
	mux sync.RWMutex

	AdminDir string `json:"admin_dir"`

	Servers []ServerConfig `json:"servers"`

	Download DownloadConfig `json:"download"`
	PostProc PostProcConfig `json:"postproc"`
	History  HistoryConfig  `json:"history"`
	Web      WebConfig      `json:"web"`

	SchedTasks []SchedTask `json:"sched_tasks"`

	WatchedDir      string `json:"watched_dir"` // empty = scanner disabled
	DuplicatePolicy string `json:"duplicate_policy"`
	WarningRingSize int    `json:"warning_ring_size"`

	AppVersion string `json:"app_version"`
}

// NewDefaultConfig returns a configuration with sensible defaults.
func NewDefaultConfig() *MainConfig {
	return &MainConfig{
		AppVersion: AppVersion,
		AdminDir:   "data/admin",
		Download: DownloadConfig{
			ArticleCacheLimit: DefaultArticleCacheLimit,
			SpeedLimitPct:     100,
			MaxRetries:        3,
			NetTimeout:        int(DefaultNetTimeout / time.Second),
			IncompleteDir:     "data/incomplete",
			CompleteDir:       "data/complete",
		},
		PostProc: PostProcConfig{
			Par2Cmd:      "par2",
			UnrarCmd:     "unrar",
			SevenZipCmd:  "7z",
			UnzipCmd:     "unzip",
			SafePostproc: true,
			PauseOnPwRar: true,
			ScriptDir:    "scripts",
		},
		Web: WebConfig{
			ListenPort: 11666,
		},
		DuplicatePolicy: DupIgnore,
		WarningRingSize: DefaultWarningRingSize,
	}
}

// Load reads the config file from adminDir, falling back to defaults when
// the file does not exist yet.
func Load(adminDir string) (*MainConfig, error) {
	path := filepath.Join(adminDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefaultConfig()
			cfg.AdminDir = adminDir
			log.Printf("[CONFIG] No config at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.AdminDir = adminDir
	cfg.AppVersion = AppVersion
	return cfg, nil
}

// Save writes the config atomically (temp file, fsync, rename).
func (cfg *MainConfig) Save() error {
	cfg.mux.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mux.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(cfg.AdminDir, ConfigFileName)
	return AtomicWriteFile(path, data, 0600)
}

// AtomicWriteFile writes data to path via a temp file in the same directory,
// fsyncs and renames so readers never observe a partial file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", tmpName, err)
	}
	return nil
}

// GetServers returns a copy of the configured server list.
func (cfg *MainConfig) GetServers() []ServerConfig {
	cfg.mux.RLock()
	defer cfg.mux.RUnlock()
	out := make([]ServerConfig, len(cfg.Servers))
	copy(out, cfg.Servers)
	return out
}

// SetServer adds or replaces a server config by name and persists.
func (cfg *MainConfig) SetServer(sc ServerConfig) error {
	cfg.mux.Lock()
	replaced := false
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == sc.Name {
			cfg.Servers[i] = sc
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Servers = append(cfg.Servers, sc)
	}
	cfg.mux.Unlock()
	return cfg.Save()
}

// RemoveServer deletes a server config by name and persists.
func (cfg *MainConfig) RemoveServer(name string) error {
	cfg.mux.Lock()
	found := false
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == name {
			cfg.Servers = append(cfg.Servers[:i], cfg.Servers[i+1:]...)
			found = true
			break
		}
	}
	cfg.mux.Unlock()
	if !found {
		return fmt.Errorf("no server named %q", name)
	}
	return cfg.Save()
}

// NetTimeout returns the configured network timeout as a duration.
func (cfg *MainConfig) NetTimeout() time.Duration {
	cfg.mux.RLock()
	defer cfg.mux.RUnlock()
	if cfg.Download.NetTimeout <= 0 {
		return DefaultNetTimeout
	}
	return time.Duration(cfg.Download.NetTimeout) * time.Second
}
