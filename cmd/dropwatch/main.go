package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/dropwatch/internal/api"
	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/dispatch"
	"github.com/mattjoyce/dropwatch/internal/doctor"
	"github.com/mattjoyce/dropwatch/internal/events"
	"github.com/mattjoyce/dropwatch/internal/history"
	"github.com/mattjoyce/dropwatch/internal/lock"
	"github.com/mattjoyce/dropwatch/internal/log"
	"github.com/mattjoyce/dropwatch/internal/pipeline"
	"github.com/mattjoyce/dropwatch/internal/registry"
	"github.com/mattjoyce/dropwatch/internal/stability"
	"github.com/mattjoyce/dropwatch/internal/storage"
	"github.com/mattjoyce/dropwatch/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "history":
		return runHistoryNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dropwatch version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("dropwatch %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	builtAt := strings.TrimSpace(buildDate)
	if builtAt == "" || builtAt == "unknown" {
		builtAt = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`dropwatch - Watch drop folders and run a command per settled file

Usage:
  dropwatch <noun> <action> [flags]

System Commands:
  system start      Start the watcher service in foreground
  system status     Show service health (config, lock, history store)
  system monitor    Real-time monitoring TUI (needs the API enabled)

Config Commands:
  config check      Validate configuration against this host
  config show       Show full resolved configuration
  config init       Write a starter config.yaml

History Commands:
  history list      Show recent dispatch outcomes
  history show <id> Show one dispatch record in full

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'dropwatch <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "init":
		if hasHelpFlag(actionArgs) {
			printConfigInitHelp()
			return 0
		}
		return runConfigInit(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printHistoryListHelp()
			return 0
		}
		return runHistoryList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printHistoryShowHelp()
			return 0
		}
		return runHistoryShow(actionArgs)
	case "help":
		printHistoryNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: dropwatch system <action>")
	fmt.Fprintln(w, "Actions: start, status, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: dropwatch config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, init")
}

func printHistoryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: dropwatch history <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: dropwatch system start [--config PATH]")
	fmt.Println("Start the watcher service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: dropwatch system status [--config PATH] [--json]")
	fmt.Println("Show service health (config, PID lock state, and history store readiness).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: dropwatch system monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time monitoring TUI. Requires api.enabled in config.")
	fmt.Println("")
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Status API URL (default: http://127.0.0.1:8085)")
	fmt.Println("  --api-key KEY    API bearer token (or DROPWATCH_API_KEY env var)")
	fmt.Println("")
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓              Scroll in-flight files")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: dropwatch config check [--config PATH] [--format human|json]")
	fmt.Println("Validate configuration against this host: roots, commands, interpreters.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: dropwatch config show [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration with defaults applied.")
}

func printConfigInitHelp() {
	fmt.Println("Usage: dropwatch config init [--dir PATH]")
	fmt.Println("Write a commented starter config.yaml.")
}

func printHistoryListHelp() {
	fmt.Println("Usage: dropwatch history list [--config PATH] [--limit N] [--json]")
	fmt.Println("Show recent dispatch outcomes from the history store.")
}

func printHistoryShowHelp() {
	fmt.Println("Usage: dropwatch history show <id> [--config PATH]")
	fmt.Println("Show one dispatch record in full, including captured stderr.")
}

// --- ACTION IMPLEMENTATIONS ---

func loadConfigFrom(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

// lockPath puts the PID lock next to the history database when one is
// configured, otherwise in the system temp directory.
func lockPath(cfg *config.Config) string {
	if cfg.History.Path != "" {
		return filepath.Join(filepath.Dir(cfg.History.Path), "dropwatch.lock")
	}
	return filepath.Join(os.TempDir(), "dropwatch.lock")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfigFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("dropwatch starting", "version", version, "config", resolvedPath)

	if result := doctor.New(cfg).Validate(); !result.Valid {
		fmt.Fprint(os.Stderr, doctor.FormatHuman(result))
		return 1
	}

	pidLock, err := lock.Acquire(lockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", lockPath(cfg), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	var recorder pipeline.Recorder
	var store *history.Store
	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
		if err != nil {
			logger.Error("failed to open history store", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer db.Close()
		store = history.NewStore(db)
		recorder = store
		logger.Info("history store opened", "path", cfg.History.Path)
	}

	hub := events.NewHub(256)
	detector := stability.New(cfg.Stability)
	runner := dispatch.New(cfg.Dispatch)
	pipe := pipeline.New(cfg, registry.New(), detector, runner, hub, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := pipe.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		return 1
	}

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		var reader api.HistoryReader
		if store != nil {
			reader = store
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, pipe, reader, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("dropwatch running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	case err := <-pipe.Errors():
		logger.Error("watch target failed", "error", err)
		exitCode = 1
	}

	cancel()
	logger.Info("waiting for in-flight dispatches")
	pipe.Wait()
	logger.Info("dropwatch stopped")
	return exitCode
}

type statusReport struct {
	ConfigPath   string `json:"config_path"`
	ConfigOK     bool   `json:"config_ok"`
	ConfigError  string `json:"config_error,omitempty"`
	Targets      int    `json:"targets"`
	LockPath     string `json:"lock_path,omitempty"`
	Running      bool   `json:"running"`
	HistoryOK    bool   `json:"history_ok"`
	HistoryError string `json:"history_error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{HistoryOK: true}

	cfg, resolvedPath, err := loadConfigFrom(*configPath)
	report.ConfigPath = resolvedPath
	if err != nil {
		report.ConfigError = err.Error()
		printStatusReport(report, *jsonOut)
		return 1
	}
	report.ConfigOK = true
	report.Targets = len(cfg.Targets)
	report.LockPath = lockPath(cfg)

	// A live instance holds the flock; if we can take it, nothing is running.
	if l, err := lock.Acquire(report.LockPath); err != nil {
		report.Running = true
	} else {
		_ = l.Release()
	}

	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
		if err != nil {
			report.HistoryOK = false
			report.HistoryError = err.Error()
		} else {
			_ = db.Close()
		}
	}

	printStatusReport(report, *jsonOut)
	if !report.ConfigOK || !report.HistoryOK {
		return 1
	}
	return 0
}

func printStatusReport(r statusReport, jsonOut bool) {
	if jsonOut {
		data, _ := json.MarshalIndent(r, "", "  ")
		fmt.Println(string(data))
		return
	}

	check := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAIL"
	}
	fmt.Printf("config:  %s (%s)\n", check(r.ConfigOK), r.ConfigPath)
	if r.ConfigError != "" {
		fmt.Printf("         %s\n", r.ConfigError)
	}
	fmt.Printf("targets: %d\n", r.Targets)
	if r.Running {
		fmt.Println("service: running")
	} else {
		fmt.Println("service: not running")
	}
	fmt.Printf("history: %s\n", check(r.HistoryOK))
	if r.HistoryError != "" {
		fmt.Printf("         %s\n", r.HistoryError)
	}
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8085", "Status API URL")
	apiKey := fs.String("api-key", os.Getenv("DROPWATCH_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	format := fs.String("format", "human", "Output format: human or json")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	data, _ := yaml.Marshal(cfg)
	fmt.Print(string(data))
	return 0
}

const starterConfig = `service:
  name: dropwatch
  log_level: info
  log_format: json
  max_concurrent: 5

stability:
  threshold: 10
  max_wait: 600s
  initial_interval: 1s
  min_file_age: 5s

dispatch:
  timeout: 3600s
  grace_period: 5s

history:
  enabled: false
  path: ./data/history.db

api:
  enabled: false
  listen: 127.0.0.1:8085
  # api_key: ${DROPWATCH_API_KEY}

targets:
  - name: inbox
    root: /srv/drop/inbox
    command: /opt/scripts/process_upload.py
    kind: runner
    runner: python3
    recursive: true
`

func runConfigInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "Directory to write config.yaml into")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := filepath.Join(*dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Refusing to overwrite existing %s\n", path)
		return 1
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create directory: %v\n", err)
		return 1
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit the targets section, then run 'dropwatch config check'.")
	return 0
}

func openHistory(configPath string) (*history.Store, func(), error) {
	cfg, _, err := loadConfigFrom(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.History.Enabled {
		return nil, nil, fmt.Errorf("history is disabled in config")
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}
	return history.NewStore(db), func() { _ = db.Close() }, nil
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum records to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, closeDB, err := openHistory(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	recs, err := store.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(recs) == 0 {
		fmt.Println("No dispatch records.")
		return 0
	}
	fmt.Printf("%-36s  %-12s  %-16s  %-20s  %s\n", "ID", "STATUS", "TARGET", "COMPLETED", "PATH")
	for _, rec := range recs {
		fmt.Printf("%-36s  %-12s  %-16s  %-20s  %s\n",
			rec.ID, rec.Status, rec.Target,
			rec.CompletedAt.Local().Format("2006-01-02 15:04:05"), rec.Path)
	}
	return 0
}

func runHistoryShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dropwatch history show <id> [--config PATH]")
		return 1
	}

	store, closeDB, err := openHistory(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	rec, err := store.Get(context.Background(), fs.Arg(0))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No record with id %s\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Failed to read record: %v\n", err)
		}
		return 1
	}

	data, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(data))
	return 0
}
