package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
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

	PGDSN string

	AuthEndpoint   string
	NotifyEndpoint string

	Pricing    PricingConfig
	Settlement SettlementConfig
	Matcher    MatcherConfig
	Sweeps     SweepConfig

	LogLevel      string
	RunMigrations bool
}

// PricingConfig holds the fare formula constants. Amounts are in minor
// currency units.
type PricingConfig struct {
	BaseFare    int64
	PerKm       int64
	PerMinute   int64
	MinFare     int64
	RoundTo     int64
	AvgSpeedKmh float64

	ClassMultipliers map[string]float64
}

// SettlementConfig covers the commission split and the cancellation
// refund tiers (hours-before-service -> refund fraction).
type SettlementConfig struct {
	CommissionRate float64
	FullRefundAge  time.Duration // scheduled service at least this far out: 100%
	HalfRefundAge  time.Duration // at least this far out: 50%
}

type MatcherConfig struct {
	DefaultRadiusKm float64
	TopN            int
}

// SweepConfig parameterizes the three recurring sweeps independently.
type SweepConfig struct {
	TrackingInterval  time.Duration
	TrackingRetention time.Duration

	AssignmentInterval  time.Duration
	AssignmentThreshold time.Duration

	ChannelInterval  time.Duration
	ChannelThreshold time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-locations",
		Pricing: PricingConfig{
			BaseFare:    500,
			PerKm:       100,
			PerMinute:   20,
			MinFare:     500,
			RoundTo:     50,
			AvgSpeedKmh: 30,
			ClassMultipliers: map[string]float64{
				"standard": 1.0,
				"comfort":  1.25,
				"xl":       1.5,
				"bike":     1.0,
			},
		},
		Settlement: SettlementConfig{
			CommissionRate: 0.20,
			FullRefundAge:  48 * time.Hour,
			HalfRefundAge:  24 * time.Hour,
		},
		Matcher: MatcherConfig{
			DefaultRadiusKm: 5,
			TopN:            8,
		},
		Sweeps: SweepConfig{
			TrackingInterval:    6 * time.Hour,
			TrackingRetention:   72 * time.Hour,
			AssignmentInterval:  12 * time.Hour,
			AssignmentThreshold: 24 * time.Hour,
			ChannelInterval:     30 * time.Minute,
			ChannelThreshold:    60 * time.Minute,
		},
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

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.AuthEndpoint, "AUTH_ENDPOINT")
	setStringFromEnv(&cfg.NotifyEndpoint, "NOTIFY_ENDPOINT")

	setInt64FromEnv(&cfg.Pricing.BaseFare, "PRICING_BASE_FARE", &errs)
	setInt64FromEnv(&cfg.Pricing.PerKm, "PRICING_PER_KM", &errs)
	setInt64FromEnv(&cfg.Pricing.PerMinute, "PRICING_PER_MINUTE", &errs)
	setInt64FromEnv(&cfg.Pricing.MinFare, "PRICING_MIN_FARE", &errs)
	setInt64FromEnv(&cfg.Pricing.RoundTo, "PRICING_ROUND_TO", &errs)
	setFloatFromEnv(&cfg.Pricing.AvgSpeedKmh, "PRICING_AVG_SPEED_KMH", &errs)

	setFloatFromEnv(&cfg.Settlement.CommissionRate, "SETTLEMENT_COMMISSION_RATE", &errs)
	setDurationFromEnv(&cfg.Settlement.FullRefundAge, "CANCEL_FULL_REFUND_AGE", &errs)
	setDurationFromEnv(&cfg.Settlement.HalfRefundAge, "CANCEL_HALF_REFUND_AGE", &errs)

	setFloatFromEnv(&cfg.Matcher.DefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matcher.TopN, "MATCHER_TOP_N", &errs)

	setDurationFromEnv(&cfg.Sweeps.TrackingInterval, "SWEEP_TRACKING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Sweeps.TrackingRetention, "SWEEP_TRACKING_RETENTION", &errs)
	setDurationFromEnv(&cfg.Sweeps.AssignmentInterval, "SWEEP_ASSIGNMENT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Sweeps.AssignmentThreshold, "SWEEP_ASSIGNMENT_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.Sweeps.ChannelInterval, "SWEEP_CHANNEL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Sweeps.ChannelThreshold, "SWEEP_CHANNEL_THRESHOLD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Matcher.TopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.Settlement.CommissionRate < 0 || cfg.Settlement.CommissionRate >= 1 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_COMMISSION_RATE must be in [0,1)"))
	}
	if cfg.Pricing.RoundTo <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_ROUND_TO must be > 0"))
	}
	if cfg.Pricing.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_AVG_SPEED_KMH must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
