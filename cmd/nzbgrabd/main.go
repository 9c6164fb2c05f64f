// nzbgrabd is the binary-newsgroup retrieval daemon: it restores the
// queue, starts the download engine and post-processing pipeline, and
// serves the HTTP+JSON control API.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/supervisor"
	"github.com/go-while/go-nzbgrab/internal/web"
)

var appVersion = "-unset-" // set via ldflags

// launcher exit codes
const (
	exitOk          = 0
	exitFatalConfig = 1
	exitBindFailure = 2
	exitRestart     = 3
	exitAdminDir    = 4
)

var Prof *prof.Profiler

func main() {
	var (
		adminDir    string
		webPort     int
		writeConfig bool
		pprofAddr   string
	)
	flag.StringVar(&adminDir, "admindir", "data/admin", "admin directory holding config and state")
	flag.IntVar(&webPort, "webport", 0, "override configured API port")
	flag.BoolVar(&writeConfig, "writeconfig", false, "write a default config and exit")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof web listener, e.g. :61616 (empty = off)")
	flag.Parse()

	config.AppVersion = appVersion
	log.Printf("[NZBGRABD] Starting go-nzbgrab %s", appVersion)

	if pprofAddr != "" {
		Prof = prof.NewProf()
		go Prof.PprofWeb(pprofAddr)
		Prof.StartMemProfile(5*time.Minute, 30*time.Second)
	}

	if err := os.MkdirAll(adminDir, 0755); err != nil {
		log.Printf("[NZBGRABD] Admin dir %s unwritable: %v", adminDir, err)
		os.Exit(exitAdminDir)
	}
	if probe, err := os.CreateTemp(adminDir, ".probe*"); err != nil {
		log.Printf("[NZBGRABD] Admin dir %s unwritable: %v", adminDir, err)
		os.Exit(exitAdminDir)
	} else {
		probe.Close()
		os.Remove(probe.Name())
	}

	if writeConfig {
		cfg := config.NewDefaultConfig()
		cfg.AdminDir = adminDir
		if err := cfg.Save(); err != nil {
			log.Printf("[NZBGRABD] Failed to write config: %v", err)
			os.Exit(exitFatalConfig)
		}
		log.Printf("[NZBGRABD] Wrote default config to %s", adminDir)
		os.Exit(exitOk)
	}

	cfg, err := config.Load(adminDir)
	if err != nil {
		log.Printf("[NZBGRABD] Config error: %v", err)
		os.Exit(exitFatalConfig)
	}
	if webPort > 0 {
		cfg.Web.ListenPort = webPort
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Printf("[NZBGRABD] Startup failed: %v", err)
		os.Exit(exitFatalConfig)
	}
	if err := sup.Start(); err != nil {
		log.Printf("[NZBGRABD] Restore failed: %v", err)
		os.Exit(exitFatalConfig)
	}

	server := web.NewServer(sup)
	shutdown := make(chan int, 1)
	server.OnShutdown = func() { shutdown <- exitOk }

	bindErr := make(chan error, 1)
	go func() { bindErr <- server.Listen() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	code := exitOk
	select {
	case err := <-bindErr:
		if err != nil {
			log.Printf("[NZBGRABD] API server: %v", err)
			code = exitBindFailure
		}
	case got := <-sig:
		log.Printf("[NZBGRABD] Signal %v, shutting down", got)
		if got == syscall.SIGHUP {
			code = exitRestart
		}
	case code = <-shutdown:
	}

	server.Close()
	sup.Shutdown()
	os.Exit(code)
}
