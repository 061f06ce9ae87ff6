// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds configuration shared by the API and the relay.
type Config struct {
	Port            string  `mapstructure:"PORT"`
	Env             string  `mapstructure:"ENV"`
	DatabaseURL     string  `mapstructure:"DATABASE_URL"`
	KafkaBrokers    string  `mapstructure:"KAFKA_BROKERS"`
	SubmissionTopic string  `mapstructure:"SUBMISSION_TOPIC"`
	BundleTopic     string  `mapstructure:"BUNDLE_TOPIC"`
	DeadLetterTopic string  `mapstructure:"DEAD_LETTER_TOPIC"`
	ConsumerGroup   string  `mapstructure:"CONSUMER_GROUP"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	Workers         int     `mapstructure:"WORKERS"`
	APIKeys         string  `mapstructure:"API_KEYS"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"KAFKA_BROKERS",
	"SUBMISSION_TOPIC",
	"BUNDLE_TOPIC",
	"DEAD_LETTER_TOPIC",
	"CONSUMER_GROUP",
	"OTLP_ENDPOINT",
	"TRACE_SAMPLE_RATE",
	"WORKERS",
	"API_KEYS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("SUBMISSION_TOPIC", "form.submissions")
	v.SetDefault("BUNDLE_TOPIC", "fhir.observation.bundles")
	v.SetDefault("DEAD_LETTER_TOPIC", "dead.letter")
	v.SetDefault("CONSUMER_GROUP", "obsfhir-relay")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("WORKERS", 4)

	// Bind explicitly so Unmarshal sees env-only keys
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if c.SubmissionTopic == "" || c.BundleTopic == "" {
		return fmt.Errorf("SUBMISSION_TOPIC and BUNDLE_TOPIC are required")
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyClients maps each configured API key to a client name.
// Entries are "key" or "key:client".
func (c *Config) APIKeyClients() map[string]string {
	clients := make(map[string]string)
	for _, entry := range splitList(c.APIKeys) {
		key, client, ok := strings.Cut(entry, ":")
		if !ok {
			client = "env-client"
		}
		clients[key] = client
	}
	return clients
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
