// ABOUTME: Entry point for the warden-gateway authentication proxy
// ABOUTME: Guards an upstream app behind verified email, passkeys, and label policy

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/warden-gateway/internal/config"
	"github.com/2389/warden-gateway/internal/gateway"
	"github.com/2389/warden-gateway/internal/identity"
	"github.com/2389/warden-gateway/internal/mailer"
	"github.com/2389/warden-gateway/internal/passkey"
	"github.com/2389/warden-gateway/internal/policy"
	"github.com/2389/warden-gateway/internal/proxy"
	"github.com/2389/warden-gateway/internal/session"
	"github.com/2389/warden-gateway/internal/store"
	"github.com/2389/warden-gateway/internal/verification"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _
__      ____ _ _ __ __| | ___ _ __
\ \ /\ / / _' | '__/ _' |/ _ \ '_ \
 \ V  V / (_| | | | (_| |  __/ | | |
  \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: WARDEN_CONFIG env var > XDG_CONFIG_HOME/warden/gateway.yaml > ~/.config/warden/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warden", "gateway.yaml")
}

// getDataPath returns the path to the warden data directory.
// Priority: XDG_DATA_HOME/warden > ~/.local/share/warden
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "warden")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warden-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway")
		fmt.Println("  init    Create a new config file interactively")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Upstream: %s\n", cfg.Upstream.URL)
	fmt.Println()

	logger.Info("starting warden-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"upstream", cfg.Upstream.URL,
		"production", cfg.Production,
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	var mail mailer.Mailer
	switch cfg.Mail.Mode {
	case "smtp":
		mail = mailer.NewSMTPMailer(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.From)
	default:
		mail = mailer.NewLogMailer()
	}

	verifier, err := passkey.NewWebAuthnVerifier(cfg.Passkey.RPID, cfg.Passkey.RPDisplayName, cfg.Passkey.Origin)
	if err != nil {
		return fmt.Errorf("configuring webauthn: %w", err)
	}

	proxyHandler, err := proxy.New(cfg.Upstream.URL, cfg.Upstream.Timeout, cfg.Sync.ScriptURL)
	if err != nil {
		return fmt.Errorf("configuring proxy: %w", err)
	}

	gw := gateway.New(
		verification.NewService(s),
		passkey.NewOrchestrator(s, verifier),
		identity.NewDirectoryClient(cfg.Directory.URL, cfg.Directory.APIKey, cfg.Directory.Timeout),
		session.NewManager(s, []byte(cfg.Auth.SessionSecret), cfg.Production),
		policy.NewEvaluator(cfg.Auth.AllowedLabels),
		proxyHandler,
		mail,
		gateway.Config{
			CallbackIssuer:  cfg.Auth.CallbackIssuer,
			CallbackSecret:  []byte(cfg.Auth.SessionSecret),
			RegistrationURL: cfg.Auth.RegistrationURL,
			UpgradeURL:      cfg.Auth.UpgradeURL,
		},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	gw.RegisterRoutes(mux)

	// Hourly sweep of expired codes, challenges, and sessions.
	go runPurgeLoop(ctx, s, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

func runPurgeLoop(ctx context.Context, s *store.SQLiteStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PurgeExpired(ctx, time.Now().UTC()); err != nil {
				logger.Warn("expired record sweep failed", "error", err)
			}
		}
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("warden-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "Listen address", ":8080")
	upstreamURL := prompt(reader, "Upstream URL", "http://localhost:3000")

	fmt.Println("\n--- Authentication ---")
	allowedLabels := prompt(reader, "Allowed labels (comma-separated)", "builder")
	rpID := prompt(reader, "Passkey relying party ID", "localhost")
	origin := prompt(reader, "Passkey origin", "http://localhost:8080")

	fmt.Println("\n--- Identity Directory ---")
	directoryURL := prompt(reader, "Directory API URL", "https://directory.example.com/api")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate a session secret rather than asking for one.
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	sessionSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var labelsYAML strings.Builder
	for _, l := range strings.Split(allowedLabels, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			labelsYAML.WriteString(fmt.Sprintf("    - \"%s\"\n", l))
		}
	}

	configContent := fmt.Sprintf(`# warden-gateway configuration
# Generated by warden-gateway init

server:
  addr: "%s"

upstream:
  url: "%s"
  timeout: "30s"

auth:
  session_secret: "%s"
  callback_issuer: ""
  allowed_labels:
%s  registration_url: ""
  upgrade_url: ""

passkey:
  rp_id: "%s"
  rp_display_name: "Warden"
  origin: "%s"

directory:
  url: "%s"
  api_key: "${WARDEN_DIRECTORY_API_KEY}"
  timeout: "10s"

sync:
  script_url: ""

mail:
  mode: "log"

database:
  path: "%s"

logging:
  level: "%s"
  format: "%s"

production: false
`, addr, upstreamURL, sessionSecret, labelsYAML.String(), rpID, origin, directoryURL, dbPath, logLevel, logFormat)

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  warden-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
