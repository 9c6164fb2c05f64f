// nzbgrabmgr is the offline management tool: it sets the API key,
// manages news server entries in the config, and inspects history.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/history"
	"github.com/go-while/go-nzbgrab/internal/models"
)

var appVersion = "-unset-"

func main() {
	config.AppVersion = appVersion
	log.Printf("go-nzbgrab manager (version: %s)", config.AppVersion)
	var (
		adminDir     = flag.String("admindir", "data/admin", "admin directory holding config and state")
		setAPIKey    = flag.Bool("setapikey", false, "Set the API key for the HTTP control surface")
		addServer    = flag.Bool("addserver", false, "Add a news server to the config")
		listServers  = flag.Bool("listservers", false, "List configured news servers")
		delServer    = flag.Bool("delserver", false, "Remove a news server from the config")
		showHistory  = flag.Bool("history", false, "Show the newest history records")
		purgeHistory = flag.Bool("purgehistory", false, "Remove all history records")
		name         = flag.String("name", "", "Server name for server operations")
		host         = flag.String("host", "", "Server hostname")
		port         = flag.Int("port", 563, "Server port")
		ssl          = flag.Bool("ssl", true, "Use TLS")
		username     = flag.String("username", "", "Server username")
		maxConns     = flag.Int("maxconns", 8, "Connection limit")
		priority     = flag.Int("priority", 0, "Server priority (lower = preferred)")
		required     = flag.Bool("required", false, "Mark server as required")
	)
	flag.Parse()

	if !*setAPIKey && !*addServer && !*listServers && !*delServer && !*showHistory && !*purgeHistory {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -setapikey\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -addserver -name main -host news.example.com -username user\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -listservers\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -history\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*adminDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch {
	case *setAPIKey:
		if err := setKey(cfg); err != nil {
			log.Fatalf("Failed to set API key: %v", err)
		}

	case *addServer:
		if *name == "" || *host == "" {
			log.Fatal("Server name and host are required")
		}
		if err := addNewsServer(cfg, *name, *host, *port, *ssl, *username, *maxConns, *priority, *required); err != nil {
			log.Fatalf("Failed to add server: %v", err)
		}

	case *listServers:
		for _, sc := range cfg.GetServers() {
			state := "enabled"
			if !sc.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-20s %s:%d ssl=%v prio=%d conns=%d required=%v (%s)\n",
				sc.Name, sc.Host, sc.Port, sc.SSL, sc.Priority, sc.MaxConns, sc.Required, state)
		}

	case *delServer:
		if *name == "" {
			log.Fatal("Server name is required")
		}
		if err := removeNewsServer(cfg, *name); err != nil {
			log.Fatalf("Failed to remove server: %v", err)
		}

	case *showHistory:
		if err := printHistory(cfg); err != nil {
			log.Fatalf("Failed to read history: %v", err)
		}

	case *purgeHistory:
		store, err := history.Open(cfg)
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()
		n, err := store.Purge(false)
		if err != nil {
			log.Fatalf("Failed to purge history: %v", err)
		}
		fmt.Printf("Removed %d records\n", n)
	}
}

func setKey(cfg *config.MainConfig) error {
	fmt.Print("Enter API key: ")
	key, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read key: %v", err)
	}
	fmt.Println()

	fmt.Print("Confirm API key: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read confirmation: %v", err)
	}
	fmt.Println()

	if string(key) != string(confirm) {
		return fmt.Errorf("keys do not match")
	}
	if len(key) < 8 {
		return fmt.Errorf("key must be at least 8 characters long")
	}

	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %v", err)
	}
	cfg.Web.APIKeyHash = string(hash)
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Println("API key updated")
	return nil
}

func addNewsServer(cfg *config.MainConfig, name, host string, port int, ssl bool, username string, maxConns, priority int, required bool) error {
	for _, sc := range cfg.GetServers() {
		if sc.Name == name {
			return fmt.Errorf("server '%s' already exists", name)
		}
	}

	password := ""
	if username != "" {
		fmt.Print("Enter server password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Println()
		password = string(raw)
	}

	err := cfg.SetServer(config.ServerConfig{
		Name:      name,
		Host:      host,
		Port:      port,
		SSL:       ssl,
		SSLVerify: config.SSLVerifyStrict,
		Username:  username,
		Password:  password,
		MaxConns:  maxConns,
		Priority:  priority,
		Required:  required,
		Enabled:   true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Server '%s' added\n", name)
	return nil
}

func removeNewsServer(cfg *config.MainConfig, name string) error {
	if err := cfg.RemoveServer(name); err != nil {
		return err
	}
	fmt.Printf("Server '%s' removed\n", name)
	return nil
}

func printHistory(cfg *config.MainConfig) error {
	store, err := history.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, total, err := store.List(history.Filter{Limit: 25})
	if err != nil {
		return err
	}
	fmt.Printf("%d records (showing %d)\n", total, len(recs))
	for _, rec := range recs {
		fail := rec.FailMessage
		if fail == "" {
			fail = "-"
		}
		fmt.Printf("%-24s %-10s %10s  %s\n", truncate(rec.Name, 24), rec.Status, models.HumanBytes(rec.Bytes), fail)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
