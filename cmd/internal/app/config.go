package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Remote event stream.
	LocalUserID     string
	StreamURL       string
	StreamDialTO    time.Duration
	StreamReadIdle  time.Duration
	StreamPingEvery time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Browser origin allowlist for the local API. Entries may end in ":*" to
	// allow any port on that host.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Notification policy defaults; mutable at runtime via the settings API.
	EnableNotifications  bool
	EnableSounds         bool
	MentionsOnly         bool
	MentionKeywords      []string
	SendReadReceipts     bool
	SendTypingIndicators bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CONCORD_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CONCORD_LOG_LEVEL", "info"),
		LogFormat: EnvString("CONCORD_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CONCORD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CONCORD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CONCORD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CONCORD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CONCORD_HTTP_MAX_HEADER_BYTES", 1<<20),

		LocalUserID:     EnvString("CONCORD_USER_ID", ""),
		StreamURL:       EnvString("CONCORD_STREAM_URL", ""),
		StreamDialTO:    EnvDuration("CONCORD_STREAM_DIAL_TIMEOUT", 10*time.Second),
		StreamReadIdle:  EnvDuration("CONCORD_STREAM_READ_IDLE_TIMEOUT", 2*time.Minute),
		StreamPingEvery: EnvDuration("CONCORD_STREAM_PING_INTERVAL", 30*time.Second),

		DatabaseURL: EnvString("CONCORD_DATABASE_URL", ""),
		DBSchema:    EnvString("CONCORD_DB_SCHEMA", "concord"),
		DBMaxConns:  EnvInt32("CONCORD_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CONCORD_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("CONCORD_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("CONCORD_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("CONCORD_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CONCORD_CORS_MAX_AGE_SECONDS", 600),

		EnableNotifications:  EnvBool("CONCORD_NOTIFICATIONS_ENABLED", true),
		EnableSounds:         EnvBool("CONCORD_NOTIFICATION_SOUNDS", true),
		MentionsOnly:         EnvBool("CONCORD_NOTIFICATIONS_MENTIONS_ONLY", false),
		MentionKeywords:      EnvCSV("CONCORD_MENTION_KEYWORDS", ""),
		SendReadReceipts:     EnvBool("CONCORD_SEND_READ_RECEIPTS", true),
		SendTypingIndicators: EnvBool("CONCORD_SEND_TYPING", true),
	}
}
