package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries the tunables shared by the event-plane services. Every
// field has a production default so a service boots with nothing set.
type Config struct {
	// Outbound HTTP client behaviour.
	HTTPTimeout    time.Duration
	HTTPMaxRetries int

	// Per-connection circuit breaker thresholds.
	BreakerFailureThreshold uint32
	BreakerSuccessThreshold uint32
	BreakerTimeout          time.Duration

	// Signal dedup and webhook anti-replay windows.
	DedupWindow        time.Duration
	TimestampTolerance time.Duration
	SignatureCacheTTL  time.Duration

	// Background worker cadence.
	PollTick        time.Duration
	PollWorkers     int
	EscalationSweep time.Duration
	RetrySweep      time.Duration
	StreamQueueSize int
	ShutdownGrace   time.Duration

	// Collaborator endpoints. Empty means the collaborator is absent and
	// dependent checks degrade as documented on each call site.
	IAMServiceURL      string
	KMSServiceURL      string
	BudgetServiceURL   string
	EvidenceServiceURL string

	// Notification provider gateways. Empty endpoints fall back to a
	// logging stub so development boots without provider accounts.
	EmailProviderURL string
	SMSProviderURL   string
	VoiceProviderURL string

	// Policy bundle source.
	PolicyBundlePath string
	ConfigServiceURL string
	UseAPIRefresh    bool
	PolicyRefresh    time.Duration
}

// Load reads the shared tunables from the environment, applying defaults
// for anything unset or unparseable.
func Load() Config {
	return Config{
		HTTPTimeout:    envSeconds("HTTP_TIMEOUT", 30),
		HTTPMaxRetries: envInt("HTTP_MAX_RETRIES", 3),

		BreakerFailureThreshold: uint32(envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerSuccessThreshold: uint32(envInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2)),
		BreakerTimeout:          envSeconds("CIRCUIT_BREAKER_TIMEOUT", 60),

		DedupWindow:        time.Duration(envInt("DEDUP_WINDOW_HOURS", 24)) * time.Hour,
		TimestampTolerance: envSeconds("WEBHOOK_TIMESTAMP_TOLERANCE_SEC", 300),
		SignatureCacheTTL:  envSeconds("SIGNATURE_CACHE_TTL_SEC", 3600),

		PollTick:        envSeconds("POLL_TICK_SEC", 15),
		PollWorkers:     envInt("POLL_WORKERS", 16),
		EscalationSweep: envSeconds("ESCALATION_SWEEP_SEC", 30),
		RetrySweep:      envSeconds("RETRY_SWEEP_SEC", 30),
		StreamQueueSize: envInt("STREAM_QUEUE_SIZE", 64),
		ShutdownGrace:   envSeconds("SHUTDOWN_GRACE_SEC", 30),

		IAMServiceURL:      os.Getenv("IAM_SERVICE_URL"),
		KMSServiceURL:      os.Getenv("KMS_SERVICE_URL"),
		BudgetServiceURL:   os.Getenv("BUDGET_SERVICE_URL"),
		EvidenceServiceURL: os.Getenv("EVIDENCE_SERVICE_URL"),

		EmailProviderURL: os.Getenv("EMAIL_PROVIDER_URL"),
		SMSProviderURL:   os.Getenv("SMS_PROVIDER_URL"),
		VoiceProviderURL: os.Getenv("VOICE_PROVIDER_URL"),

		PolicyBundlePath: os.Getenv("POLICY_BUNDLE_PATH"),
		ConfigServiceURL: os.Getenv("CONFIG_SERVICE_URL"),
		UseAPIRefresh:    envBool("USE_API_REFRESH", false),
		PolicyRefresh:    envSeconds("POLICY_REFRESH_SEC", 300),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
