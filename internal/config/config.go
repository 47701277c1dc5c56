package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Overrides relaxes engine behavior for tests and local bootstrap. Never
// enabled by an internal code path; only this configuration object.
type Overrides struct {
	// GuardBypass disables the dedup/cooldown guard.
	GuardBypass bool
	// ThresholdOverride, when positive, replaces both mode thresholds.
	ThresholdOverride float64
	// ActivationLeadOverride, when positive, replaces the scheduled
	// activation lead.
	ActivationLeadOverride time.Duration
}

// ServerConfig captures all tunable parameters for the engine process.
// Values are loaded from environment variables with defaults that let the
// binary run locally without setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	MongoURI      string
	MongoDatabase string
	PGDSN         string

	// registry
	ImmediateTTL     time.Duration
	ScheduledOverrun time.Duration
	ExpiryTick       time.Duration

	// scheduling sweep
	ActivationLead time.Duration
	FinalWindow    time.Duration
	ScheduleTick   time.Duration

	// matching cycle
	MatchInterval      time.Duration
	ImmediateThreshold float64
	ScheduledThreshold float64
	DepartureFlex      time.Duration
	ProposalTTL        time.Duration

	// guard
	CooldownWindow     time.Duration
	RecentWindow       time.Duration
	CooldownMaxEntries int

	// scorer
	MaxDeviationMeters float64
	EndpointMeters     float64
	AlignmentDeltaDeg  float64
	LiveDecayMeters    float64

	Overrides Overrides

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:   "providers_geo",
		KafkaTopic:    "provider-locations",
		MongoDatabase: "ridepool",

		ImmediateTTL:     5 * time.Minute,
		ScheduledOverrun: 2 * time.Hour,
		ExpiryTick:       time.Second,

		ActivationLead: 30 * time.Minute,
		FinalWindow:    5 * time.Minute,
		ScheduleTick:   10 * time.Second,

		MatchInterval:      15 * time.Second,
		ImmediateThreshold: 0.6,
		ScheduledThreshold: 0.45,
		DepartureFlex:      30 * time.Minute,
		ProposalTTL:        5 * time.Minute,

		CooldownWindow:     2 * time.Minute,
		RecentWindow:       5 * time.Minute,
		CooldownMaxEntries: 10000,

		MaxDeviationMeters: 2000,
		EndpointMeters:     1500,
		AlignmentDeltaDeg:  0.01,
		LiveDecayMeters:    1000,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")
	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.ImmediateTTL, "SEARCH_IMMEDIATE_TTL", &errs)
	setDurationFromEnv(&cfg.ScheduledOverrun, "SEARCH_SCHEDULED_OVERRUN", &errs)
	setDurationFromEnv(&cfg.ExpiryTick, "SEARCH_EXPIRY_TICK", &errs)

	setDurationFromEnv(&cfg.ActivationLead, "SCHEDULE_ACTIVATION_LEAD", &errs)
	setDurationFromEnv(&cfg.FinalWindow, "SCHEDULE_FINAL_WINDOW", &errs)
	setDurationFromEnv(&cfg.ScheduleTick, "SCHEDULE_TICK", &errs)

	setDurationFromEnv(&cfg.MatchInterval, "MATCH_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ImmediateThreshold, "MATCH_IMMEDIATE_THRESHOLD", &errs)
	setFloatFromEnv(&cfg.ScheduledThreshold, "MATCH_SCHEDULED_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.DepartureFlex, "MATCH_DEPARTURE_FLEX", &errs)
	setDurationFromEnv(&cfg.ProposalTTL, "MATCH_PROPOSAL_TTL", &errs)

	setDurationFromEnv(&cfg.CooldownWindow, "GUARD_COOLDOWN_WINDOW", &errs)
	setDurationFromEnv(&cfg.RecentWindow, "GUARD_RECENT_WINDOW", &errs)
	setIntFromEnv(&cfg.CooldownMaxEntries, "GUARD_MAX_ENTRIES", &errs)

	setFloatFromEnv(&cfg.MaxDeviationMeters, "SCORER_MAX_DEVIATION_M", &errs)
	setFloatFromEnv(&cfg.EndpointMeters, "SCORER_ENDPOINT_M", &errs)
	setFloatFromEnv(&cfg.AlignmentDeltaDeg, "SCORER_ALIGNMENT_DELTA_DEG", &errs)
	setFloatFromEnv(&cfg.LiveDecayMeters, "SCORER_LIVE_DECAY_M", &errs)

	cfg.Overrides.GuardBypass = strings.EqualFold(os.Getenv("OVERRIDE_GUARD_BYPASS"), "true")
	setFloatFromEnv(&cfg.Overrides.ThresholdOverride, "OVERRIDE_MATCH_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.Overrides.ActivationLeadOverride, "OVERRIDE_ACTIVATION_LEAD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ImmediateThreshold < cfg.ScheduledThreshold {
		errs = append(errs, fmt.Errorf("MATCH_IMMEDIATE_THRESHOLD must be >= MATCH_SCHEDULED_THRESHOLD"))
	}
	if cfg.CooldownMaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("GUARD_MAX_ENTRIES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
