package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	TraceStoreURL       string `yaml:"trace_store_url"`
	TraceStorePublicKey string `yaml:"trace_store_public_key"`
	TraceStoreSecretKey string `yaml:"trace_store_secret_key"`

	LLMProvider           string `yaml:"llm_provider"`
	LLMModel              string `yaml:"llm_model"`
	LLMTranscriptMaxChars int    `yaml:"llm_transcript_max_chars"`
	AnthropicAPIKey       string `yaml:"anthropic_api_key"`
	OpenAIAPIKey          string `yaml:"openai_api_key"`

	DBPath                     string `yaml:"db_path"`
	CacheTTLMinutes            int    `yaml:"cache_ttl_minutes"`
	PMSMinIntervalMS           int    `yaml:"pms_min_call_interval_ms"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`

	DefaultTenant     string         `yaml:"default_tenant"`
	Tenants           []TenantConfig `yaml:"tenants"`
	KnownTools        []string       `yaml:"known_tools"`
	NoiseObservations []string       `yaml:"noise_observations"`

	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackAlertChannel string `yaml:"slack_alert_channel"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	SweepSchedule      string `yaml:"sweep_schedule"`
	SweepLookbackHours int    `yaml:"sweep_lookback_hours"`
	SweepLimit         int    `yaml:"sweep_limit"`
	SweepVerify        bool   `yaml:"sweep_verify"`
}

// TenantConfig binds one clinic to its trace-source configuration and, when
// configured, its live practice-management integration.
type TenantConfig struct {
	ID                 string   `yaml:"id"`
	TraceConfigID      string   `yaml:"trace_config_id"`
	PMSBaseURL         string   `yaml:"pms_base_url"`
	PMSAPIKey          string   `yaml:"pms_api_key"`
	PMSWriteEnabled    bool     `yaml:"pms_write_enabled"`
	SlotResourceFilter string   `yaml:"slot_resource_filter"`
	KnownTools         []string `yaml:"known_tools"`
}

func (t TenantConfig) ReadSupported() bool { return t.PMSBaseURL != "" }

func (t TenantConfig) WriteSupported() bool { return t.PMSBaseURL != "" && t.PMSWriteEnabled }

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.TraceStoreURL, "TRACE_STORE_URL")
	envOverride(&cfg.TraceStorePublicKey, "TRACE_STORE_PUBLIC_KEY")
	envOverride(&cfg.TraceStoreSecretKey, "TRACE_STORE_SECRET_KEY")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideInt(&cfg.LLMTranscriptMaxChars, "LLM_TRANSCRIPT_MAX_CHARS")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideInt(&cfg.CacheTTLMinutes, "CACHE_TTL_MINUTES")
	envOverrideInt(&cfg.PMSMinIntervalMS, "PMS_MIN_CALL_INTERVAL_MS")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.DefaultTenant, "DEFAULT_TENANT")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannel, "SLACK_ALERT_CHANNEL")
	envOverride(&cfg.KafkaTopic, "KAFKA_TOPIC")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.LogFormat, "LOG_FORMAT")
	envOverride(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	envOverrideInt(&cfg.SweepLookbackHours, "SWEEP_LOOKBACK_HOURS")
	envOverrideInt(&cfg.SweepLimit, "SWEEP_LIMIT")
	envOverrideBool(&cfg.SweepVerify, "SWEEP_VERIFY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = nil
		for _, b := range strings.Split(brokers, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMTranscriptMaxChars == 0 {
		cfg.LLMTranscriptMaxChars = 24000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./callaudit.db"
	}
	if cfg.CacheTTLMinutes == 0 {
		cfg.CacheTTLMinutes = 60
	}
	if cfg.PMSMinIntervalMS == 0 {
		cfg.PMSMinIntervalMS = 1100
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.SweepLookbackHours == 0 {
		cfg.SweepLookbackHours = 24
	}
	if cfg.SweepLimit == 0 {
		cfg.SweepLimit = 50
	}
	if len(cfg.KnownTools) == 0 {
		cfg.KnownTools = []string{
			"chord_ortho_patient",
			"schedule_appointment_ortho",
			"current_date_time",
			"chord_handleEscalation",
		}
	}
	if len(cfg.NoiseObservations) == 0 {
		cfg.NoiseObservations = []string{
			"RunnableMap",
			"RunnableLambda",
			"RunnableSequence",
			"RunnableParallel",
			"RunnableBranch",
			"RunnablePassthrough",
		}
	}

	required := map[string]string{
		"trace_store_url":        cfg.TraceStoreURL,
		"trace_store_public_key": cfg.TraceStorePublicKey,
		"trace_store_secret_key": cfg.TraceStoreSecretKey,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if cfg.CacheTTLMinutes < 1 {
		log.Fatalf("invalid cache_ttl_minutes '%d': must be >= 1", cfg.CacheTTLMinutes)
	}
	if cfg.PMSMinIntervalMS < 0 {
		log.Fatalf("invalid pms_min_call_interval_ms '%d': must be >= 0", cfg.PMSMinIntervalMS)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.SweepLimit < 1 {
		log.Fatalf("invalid sweep_limit '%d': must be >= 1", cfg.SweepLimit)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		log.Fatalf("kafka_brokers is set but kafka_topic is not")
	}

	seen := map[string]bool{}
	for _, t := range cfg.Tenants {
		if t.ID == "" {
			log.Fatalf("tenant with empty id in config")
		}
		if seen[t.ID] {
			log.Fatalf("duplicate tenant id '%s' in config", t.ID)
		}
		seen[t.ID] = true
		if t.PMSBaseURL != "" && t.PMSAPIKey == "" {
			log.Fatalf("tenant '%s': pms_base_url is set but pms_api_key is not (both are required together)", t.ID)
		}
	}
	if cfg.DefaultTenant != "" && !seen[cfg.DefaultTenant] {
		log.Fatalf("default_tenant '%s' is not declared in tenants", cfg.DefaultTenant)
	}

	return cfg
}

// Tenant resolves a tenant by id, falling back to the default tenant when
// id is empty.
func (c Config) Tenant(id string) (TenantConfig, bool) {
	if id == "" {
		id = c.DefaultTenant
	}
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// ToolsForTenant returns the tenant's known-tool set, or the global set
// when the tenant does not override it.
func (c Config) ToolsForTenant(id string) []string {
	if t, ok := c.Tenant(id); ok && len(t.KnownTools) > 0 {
		return t.KnownTools
	}
	return c.KnownTools
}

func (c Config) KafkaConfigured() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannel != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}
