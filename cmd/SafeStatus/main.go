package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/alerts"
	"github.com/BTreeMap/SafeStatus/internal/api"
	"github.com/BTreeMap/SafeStatus/internal/feed"
	"github.com/BTreeMap/SafeStatus/internal/flow"
	"github.com/BTreeMap/SafeStatus/internal/lockfile"
	"github.com/BTreeMap/SafeStatus/internal/store"
	"github.com/BTreeMap/SafeStatus/internal/twiliowhatsapp"
	"github.com/BTreeMap/SafeStatus/internal/util"
	"github.com/BTreeMap/SafeStatus/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SafeStatus state data
	DefaultStateDir = "/var/lib/safestatus"
	// DefaultAppDBFileName is the default SQLite database for profiles, alerts and prompts
	DefaultAppDBFileName = "safestatus.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("SafeStatus is already running", "lock_path", lockErr.LockPath, "holder", lockErr.ExistingInfo)
		} else {
			slog.Error("Failed to acquire state directory lock", "error", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	feedOpts := buildFeedOptions(config)
	transportOpts := buildTransportOptions(config)
	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(config)
	apiOpts := buildAPIOptions(config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SafeStatus", "state_dir", *flags.stateDir, "backend", *flags.backend, "api_addr", *flags.apiAddr)
	slog.Debug("Module options counts", "store", len(storeOpts), "feed", len(feedOpts), "transport", len(transportOpts),
		"whatsapp", len(waOpts), "twilio", len(twilioOpts), "api", len(apiOpts))
	if err := api.Run(ctx, storeOpts, feedOpts, transportOpts, waOpts, twilioOpts, apiOpts); err != nil {
		slog.Error("SafeStatus failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("SafeStatus exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	LogLevel         string

	FeedPrimaryURL       string
	FeedFallbackURL      string
	FeedBackoff          time.Duration
	FeedDialAttempts     int
	FeedHandshakeTimeout time.Duration

	FollowUpDelay   time.Duration
	DedupWindow     time.Duration
	CurrentAlertTTL time.Duration

	UserID    string
	UserName  string
	UserCity  string
	UserPhone string

	MessagingBackend     string
	NotificationsEnabled bool
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioWebhookURL     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	appDBDSN *string
	waDBDSN  *string
	apiAddr  *string
	city     *string
	phone    *string
	backend  *string
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
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
	}

	config := Config{
		StateDir:         os.Getenv("SAFESTATUS_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),

		FeedPrimaryURL:       os.Getenv("FEED_PRIMARY_URL"),
		FeedFallbackURL:      os.Getenv("FEED_FALLBACK_URL"),
		FeedBackoff:          util.ParseDurationEnv("FEED_BACKOFF", feed.DefaultBackoff),
		FeedDialAttempts:     util.ParseIntEnv("FEED_DIAL_ATTEMPTS", feed.DefaultDialAttempts),
		FeedHandshakeTimeout: util.ParseDurationEnv("FEED_HANDSHAKE_TIMEOUT", feed.DefaultHandshakeTimeout),

		FollowUpDelay:   util.ParseDurationEnv("FOLLOW_UP_DELAY", flow.DefaultFollowUpDelay),
		DedupWindow:     util.ParseDurationEnv("DEDUP_WINDOW", flow.DefaultDedupWindow),
		CurrentAlertTTL: util.ParseDurationEnv("CURRENT_ALERT_TTL", alerts.DefaultCurrentTTL),

		UserID:    os.Getenv("USER_ID"),
		UserName:  os.Getenv("USER_NAME"),
		UserCity:  os.Getenv("USER_CITY"),
		UserPhone: os.Getenv("USER_PHONE"),

		MessagingBackend:     strings.ToLower(os.Getenv("MESSAGING_BACKEND")),
		NotificationsEnabled: util.ParseBoolEnv("NOTIFICATIONS_ENABLED", true),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:     os.Getenv("TWILIO_WEBHOOK_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsAppDSNFor(config.StateDir)
	}
	if config.UserID == "" {
		config.UserID = api.DefaultProfileID
	}
	if config.MessagingBackend == "" {
		config.MessagingBackend = api.BackendNone
	}

	slog.Debug("environment variables loaded",
		"SAFESTATUS_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"USER_CITY", config.UserCity,
		"USER_PHONE_SET", config.UserPhone != "")

	return config
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:  flag.Bool("numeric-code", false, "print the WhatsApp login code instead of a QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for SafeStatus data (overrides $SAFESTATUS_STATE_DIR)"),
		appDBDSN: flag.String("db-dsn", config.ApplicationDBDSN, "application database DSN, SQLite path or Postgres (overrides $DATABASE_URL)"),
		waDBDSN:  flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		city:     flag.String("city", config.UserCity, "the user's city (overrides $USER_CITY)"),
		phone:    flag.String("phone", config.UserPhone, "the user's WhatsApp number (overrides $USER_PHONE)"),
		backend:  flag.String("messaging", config.MessagingBackend, "messaging backend: whatsapp, twilio or none (overrides $MESSAGING_BACKEND)"),
	}

	flag.Parse()

	// Follow a --state-dir override for DSNs that were derived from the default.
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDBDSN == whatsAppDSNFor(config.StateDir) {
			*flags.waDBDSN = whatsAppDSNFor(*flags.stateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"apiAddr", *flags.apiAddr,
		"city", *flags.city,
		"backend", *flags.backend)
	return flags
}

// ensureDirectoriesExist creates the parent directory of a SQLite database.
func ensureDirectoriesExist(flags Flags) error {
	if *flags.appDBDSN == "" || store.DetectDSNType(*flags.appDBDSN) == store.DSNTypePostgres {
		return nil
	}
	dir := filepath.Dir(*flags.appDBDSN)
	slog.Debug("Creating directory for SQLite database", "dir", dir)
	return os.MkdirAll(dir, 0755)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.appDBDSN
	if dsn == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildFeedOptions constructs feed connection options
func buildFeedOptions(config Config) []feed.Option {
	opts := []feed.Option{feed.WithBackoff(config.FeedBackoff)}
	if config.FeedPrimaryURL != "" {
		opts = append(opts, feed.WithPrimaryURL(config.FeedPrimaryURL))
	}
	if config.FeedFallbackURL != "" {
		opts = append(opts, feed.WithFallbackURL(config.FeedFallbackURL))
	}
	return opts
}

// buildTransportOptions constructs Socket.IO transport options
func buildTransportOptions(config Config) []feed.SocketIOOption {
	return []feed.SocketIOOption{
		feed.WithDialAttempts(config.FeedDialAttempts),
		feed.WithHandshakeTimeout(config.FeedHandshakeTimeout),
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall
// back to the client's own environment lookup.
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithProfile(config.UserID, config.UserName, *flags.city, *flags.phone),
		api.WithMessagingBackend(*flags.backend),
		api.WithNotifications(config.NotificationsEnabled),
		api.WithFollowUpDelay(config.FollowUpDelay),
		api.WithDedupWindow(config.DedupWindow),
		api.WithCurrentAlertTTL(config.CurrentAlertTTL),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.TwilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookURL(config.TwilioWebhookURL))
	}
	return apiOpts
}
