package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/cloudapi"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/syncengine"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/webhook"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSessionIdleTimeout matches the WhatsApp customer service window
	DefaultSessionIdleTimeout = 24 * time.Hour
)

// Supported WHATSAPP_PROVIDER values.
const (
	ProviderCloudAPI  = "cloudapi"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowPipe", "provider", flags.provider, "api_addr", flags.apiAddr, "flows_dir", flags.flowsDir)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	WhatsAppDBDSN   string
	APIAddr         string
	PublicURL       string
	RedisURL        string
	Provider        string
	AppSecret       string
	VerifyToken     string
	TwilioAuthToken string
	ContentSIDs     string
	OpenAIKey       string
	FlowsDir        string
	DefaultFlow     string
	LogLevel        string

	SyncBaseDelay    time.Duration
	SyncMultiplier   float64
	SyncMaxAttempts  int
	SyncSweepCron    string
	SessionIdle      time.Duration
	SessionSweepCron string
	ActionTimeout    time.Duration
	Placeholder      *string
	HandoverMessage  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  string
	dbDSN     string
	apiAddr   string
	provider  string
	flowsDir  string
	openaiKey string
	qrOutput  string
	numeric   bool
}

// initializeLogger sets up structured logging; debug unless LOG_LEVEL says otherwise
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Provider:         util.GetenvDefault("WHATSAPP_PROVIDER", ProviderCloudAPI),
		AppSecret:        os.Getenv("WHATSAPP_APP_SECRET"),
		VerifyToken:      os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		ContentSIDs:      os.Getenv("TWILIO_CONTENT_SIDS"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		FlowsDir:         os.Getenv("FLOWS_DIR"),
		DefaultFlow:      util.GetenvDefault("DEFAULT_FLOW", flow.DefaultFlowName),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		SyncBaseDelay:    util.ParseDurationEnv("SYNC_BASE_DELAY", syncengine.DefaultBaseDelay),
		SyncMultiplier:   util.ParseFloatEnv("SYNC_MULTIPLIER", syncengine.DefaultMultiplier),
		SyncMaxAttempts:  util.ParseIntEnv("SYNC_MAX_ATTEMPTS", syncengine.DefaultMaxAttempts),
		SyncSweepCron:    util.GetenvDefault("SYNC_SWEEP_CRON", scheduler.DefaultSyncSweepSpec),
		SessionIdle:      util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", DefaultSessionIdleTimeout),
		SessionSweepCron: util.GetenvDefault("SESSION_SWEEP_CRON", scheduler.DefaultSessionSweepSpec),
		ActionTimeout:    util.ParseDurationEnv("ACTION_TIMEOUT", 0),
		HandoverMessage:  os.Getenv("HANDOVER_MESSAGE"),
	}
	if p, ok := os.LookupEnv("TEMPLATE_EMPTY_PLACEHOLDER"); ok {
		config.Placeholder = &p
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_PROVIDER", config.Provider,
		"WHATSAPP_APP_SECRET_SET", config.AppSecret != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"FLOWS_DIR", config.FlowsDir,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	var flags Flags
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.provider, "provider", config.Provider, "messaging provider: cloudapi, twilio or whatsmeow (overrides $WHATSAPP_PROVIDER)")
	fs.StringVar(&flags.flowsDir, "flows-dir", config.FlowsDir, "directory of YAML flow definitions (overrides $FLOWS_DIR)")
	fs.StringVar(&flags.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false), "use numeric whatsmeow login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Follow a moved state directory unless the DSN was given explicitly
	defaultDSN := filepath.Join(config.StateDir, DefaultAppDBFileName)
	if flags.dbDSN == defaultDSN && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"provider", flags.provider,
		"flowsDir", flags.flowsDir,
		"openaiKeySet", flags.openaiKey != "")
	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(flags.dbDSN, "file:"))
	if err := os.MkdirAll(dir, store.DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// parseContentSIDs reads "template=HX...,other=HX..." pairs
func parseContentSIDs(raw string) map[string]string {
	sids := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, sid, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || sid == "" {
			continue
		}
		sids[strings.TrimSpace(name)] = strings.TrimSpace(sid)
	}
	return sids
}

// providerSet is the messaging provider and what else it can serve.
type providerSet struct {
	provider messaging.Provider
	catalog  catalog.ItemPusher
	wa       *whatsapp.Client
}

// buildProvider constructs the configured messaging provider
func buildProvider(config Config, flags Flags) (providerSet, error) {
	switch flags.provider {
	case ProviderCloudAPI:
		client, err := cloudapi.NewClient()
		if err != nil {
			return providerSet{}, fmt.Errorf("cloud API client: %w", err)
		}
		return providerSet{provider: client, catalog: client}, nil
	case ProviderTwilio:
		var opts []twiliowhatsapp.Option
		if config.PublicURL != "" {
			opts = append(opts, twiliowhatsapp.WithStatusCallback(strings.TrimRight(config.PublicURL, "/")+"/webhook/twilio"))
		}
		client, err := twiliowhatsapp.NewClient(opts...)
		if err != nil {
			return providerSet{}, fmt.Errorf("twilio client: %w", err)
		}
		return providerSet{provider: messaging.NewTwilioProvider(client, parseContentSIDs(config.ContentSIDs))}, nil
	case ProviderWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return providerSet{}, fmt.Errorf("whatsmeow client: %w", err)
		}
		return providerSet{provider: messaging.NewWhatsAppProvider(client), wa: client}, nil
	default:
		return providerSet{}, fmt.Errorf("unknown provider %q", flags.provider)
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	return genaiOpts
}

func buildPolicy(config Config) syncengine.Policy {
	return syncengine.Policy{
		BaseDelay:   config.SyncBaseDelay,
		Multiplier:  config.SyncMultiplier,
		MaxAttempts: config.SyncMaxAttempts,
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithDefaultFlow(config.DefaultFlow),
		api.WithPolicy(buildPolicy(config)),
		api.WithSweepSchedules(config.SyncSweepCron, config.SessionSweepCron),
		api.WithIdleTimeout(config.SessionIdle),
	}
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.flowsDir != "" {
		apiOpts = append(apiOpts, api.WithFlowsDir(flags.flowsDir))
	}
	if config.VerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(config.VerifyToken))
	}
	if config.AppSecret != "" {
		apiOpts = append(apiOpts, api.WithAppSecret(config.AppSecret))
	}
	if flags.provider == ProviderTwilio && config.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioAuthToken(config.TwilioAuthToken))
	}
	if config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(config.PublicURL))
	}
	if config.ActionTimeout > 0 {
		apiOpts = append(apiOpts, api.WithActionTimeout(config.ActionTimeout))
	}
	if config.Placeholder != nil {
		p := *config.Placeholder
		if p == "" {
			p = messaging.FallbackPlaceholder
		}
		apiOpts = append(apiOpts, api.WithPlaceholder(p))
	}
	if config.HandoverMessage != "" {
		apiOpts = append(apiOpts, api.WithHandoverMessage(config.HandoverMessage))
	}
	return apiOpts
}

func run(ctx context.Context, config Config, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ps, err := buildProvider(config, flags)
	if err != nil {
		return err
	}
	if ps.wa != nil {
		defer ps.wa.Close()
	}

	apiOpts := buildAPIOptions(config, flags)
	if ps.catalog != nil {
		apiOpts = append(apiOpts, api.WithCatalogRemote(ps.catalog))
	}
	if config.RedisURL != "" {
		locker, err := flow.NewRedisLockerFromURL(ctx, config.RedisURL)
		if err != nil {
			return err
		}
		defer locker.Close()
		apiOpts = append(apiOpts, api.WithLocker(locker))
		slog.Info("Using Redis conversation locks")
	}
	if flags.openaiKey != "" {
		assistant, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to create assistant: %w", err)
		}
		apiOpts = append(apiOpts, api.WithAssistant(assistant))
	}

	srv, err := api.NewServer(st, ps.provider, apiOpts...)
	if err != nil {
		return err
	}
	if ps.wa != nil {
		bridgeWhatsmeow(ctx, ps.wa, srv.Gateway())
	}
	return srv.Run(ctx)
}

// bridgeWhatsmeow feeds whatsmeow events into the gateway's post-verification path.
func bridgeWhatsmeow(ctx context.Context, wa *whatsapp.Client, gw *webhook.Gateway) {
	deliver := func(evt models.WebhookEvent) {
		if _, err := gw.Deliver(ctx, []models.WebhookEvent{evt}); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("whatsmeow bridge: delivery failed", "dedupKey", evt.DedupKey, "error", err)
		}
	}
	wa.Subscribe(
		func(in models.InboundEvent) { deliver(webhook.FromInbound(in)) },
		func(su models.StatusUpdate) { deliver(webhook.FromStatus(su)) },
	)
}
