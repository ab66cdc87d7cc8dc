package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wbattistetti/omnia/internal/scheduler"
	"github.com/wbattistetti/omnia/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for omnia state data
	DefaultStateDir = "/var/lib/omnia"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "omnia.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultCatalogPath is where field templates are read from
	DefaultCatalogPath = "catalog"
	// DefaultField is the field collected from messaging senders
	DefaultField = "dob"
	// DefaultRemoteRPS limits calls to the NER and OpenAI backends
	DefaultRemoteRPS = 5.0
	// DefaultRetention is how long concluded dialogues and inbound records are kept
	DefaultRetention = time.Hour
)

// Config holds environment configuration, overridden by command line flags.
type Config struct {
	StateDir     string
	DatabaseURL  string
	CatalogPath  string
	DefaultField string
	LogLevel     string

	APIAddr     string
	TurnTimeout time.Duration
	Speculative bool

	Retention            time.Duration
	HousekeepingSchedule string

	OpenAIKey      string
	OpenAIBaseURL  string
	LLMModel       string
	EmbeddingModel string
	MinSimilarity  float64
	NERURL         string
	RemoteRPS      float64

	NATSURL   string
	NATSToken string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	WhatsAppEnabled bool
	WhatsAppDSN     string
	QRCodeOutput    string
	NumericCode     bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:     util.GetenvDefault("OMNIA_STATE_DIR", DefaultStateDir),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		CatalogPath:  util.GetenvDefault("OMNIA_CATALOG", DefaultCatalogPath),
		DefaultField: util.GetenvDefault("OMNIA_DEFAULT_FIELD", DefaultField),
		LogLevel:     util.GetenvDefault("LOG_LEVEL", "info"),

		APIAddr:     os.Getenv("API_ADDR"),
		TurnTimeout: util.ParseDurationEnv("OMNIA_TURN_TIMEOUT", 0),
		Speculative: util.ParseBoolEnv("OMNIA_SPECULATIVE", false),

		Retention:            util.ParseDurationEnv("OMNIA_RETENTION", DefaultRetention),
		HousekeepingSchedule: util.GetenvDefault("OMNIA_HOUSEKEEPING_SCHEDULE", scheduler.DefaultHousekeepingSchedule),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		LLMModel:       os.Getenv("OMNIA_LLM_MODEL"),
		EmbeddingModel: os.Getenv("OMNIA_EMBEDDING_MODEL"),
		MinSimilarity:  util.ParseFloatEnv("OMNIA_MIN_SIMILARITY", 0),
		NERURL:         os.Getenv("NER_URL"),
		RemoteRPS:      util.ParseFloatEnv("OMNIA_REMOTE_RPS", DefaultRemoteRPS),

		NATSURL:   os.Getenv("NATS_URL"),
		NATSToken: os.Getenv("NATS_TOKEN"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		WhatsAppEnabled: util.ParseBoolEnv("OMNIA_WHATSAPP_ENABLED", false),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
	}

	slog.Debug("environment variables loaded",
		"OMNIA_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OMNIA_CATALOG", config.CatalogPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"NER_URL_SET", config.NERURL != "",
		"NATS_URL_SET", config.NATSURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"OMNIA_WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"API_ADDR", config.APIAddr)

	return config
}

// StoreDSN returns DATABASE_URL, or a SQLite file in the state directory.
func (c Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// DeviceDSN returns the whatsmeow device store DSN.
func (c Config) DeviceDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	return "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}
