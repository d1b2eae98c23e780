package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Marking providers for the synchronous mark-now path.
const (
	MarkingProviderService = "service"
	MarkingProviderOpenAI  = "openai"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseDriver         string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	MarkServiceKey         string
	QueueProcessorSecret   string
	MarkingCallbackBaseURL string
	MarkingServiceURL      string
	MarkingServiceAPIKey   string
	MarkingDispatchTimeout time.Duration
	MarkingProvider        string
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	OpenAIModel            string
	RealtimeChannel        string
	ResultsCacheTTL        time.Duration
	StreamKeepAlive        time.Duration
	SchedulerEnabled       bool
	RecoverySchedule       string
	PruneSchedule          string
	DispatchSchedule       string
	DispatchDrainLimit     int
	AnswerRateLimit        int
	AllowedOrigins         []string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The marking service deployment shares these names without the prefix.
	for key, env := range map[string]string{
		"mark_service_key":          "MARK_SERVICE_KEY",
		"queue_processor_secret":    "QUEUE_PROCESSOR_SECRET",
		"marking.callback_base_url": "MARKING_CALLBACK_BASE_URL",
		"marking.service_url":       "MARKING_SERVICE_URL",
		"openai_api_key":            "OPENAI_API_KEY",
		"database.url":              "DATABASE_URL",
	} {
		_ = v.BindEnv(key, "GEMA_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}

	v.SetDefault("app.name", "GEMA Marking API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("marking.provider", MarkingProviderService)
	v.SetDefault("marking.dispatch_timeout", "10s")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("realtime.channel", "gema")
	v.SetDefault("results.cache_ttl", "30s")
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("marking.recovery_schedule", "@every 1m")
	v.SetDefault("marking.prune_schedule", "@every 6h")
	v.SetDefault("marking.dispatch_schedule", "@every 15s")
	v.SetDefault("marking.drain_limit", 10)
	v.SetDefault("rate_limit.answers", 60)

	dispatchTimeout, err := parseDuration(v, "marking.dispatch_timeout")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDuration(v, "results.cache_ttl")
	if err != nil {
		return Config{}, err
	}
	keepAlive, err := parseDuration(v, "stream.keepalive")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		MarkServiceKey:         strings.TrimSpace(v.GetString("mark_service_key")),
		QueueProcessorSecret:   strings.TrimSpace(v.GetString("queue_processor_secret")),
		MarkingCallbackBaseURL: strings.TrimSpace(v.GetString("marking.callback_base_url")),
		MarkingServiceURL:      strings.TrimSpace(v.GetString("marking.service_url")),
		MarkingServiceAPIKey:   v.GetString("marking.service_api_key"),
		MarkingDispatchTimeout: dispatchTimeout,
		MarkingProvider:        strings.ToLower(strings.TrimSpace(v.GetString("marking.provider"))),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIBaseURL:          v.GetString("openai.base_url"),
		OpenAIModel:            v.GetString("openai.model"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		ResultsCacheTTL:        cacheTTL,
		StreamKeepAlive:        keepAlive,
		SchedulerEnabled:       v.GetBool("scheduler.enabled"),
		RecoverySchedule:       v.GetString("marking.recovery_schedule"),
		PruneSchedule:          v.GetString("marking.prune_schedule"),
		DispatchSchedule:       v.GetString("marking.dispatch_schedule"),
		DispatchDrainLimit:     v.GetInt("marking.drain_limit"),
		AnswerRateLimit:        v.GetInt("rate_limit.answers"),
		AllowedOrigins:         splitList(v.GetString("cors.allowed_origins")),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	switch cfg.MarkingProvider {
	case MarkingProviderService, MarkingProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("unsupported marking provider %q", cfg.MarkingProvider)
	}

	if cfg.DispatchDrainLimit <= 0 {
		cfg.DispatchDrainLimit = 10
	}

	if cfg.AnswerRateLimit <= 0 {
		cfg.AnswerRateLimit = 60
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
