package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/flant/negentropy/provisioning/model"
)

const (
	DefaultConfigFile  = "provisioner.yaml"
	DefaultArchivePath = "provisioner-archive.db"

	SecretsBackendMemory = "memory"
	SecretsBackendVault  = "vault"
)

type Config struct {
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
	// Workers bounds concurrently executed batches
	Workers     int `json:"workers"`
	BulkWorkers int `json:"bulk_workers"`
	// RetryTick is the period of due batches scan
	RetryTick     model.Duration `json:"retry_tick"`
	ScriptTimeout model.Duration `json:"script_timeout"`

	Retry      RetryConfig       `json:"retry"`
	Breaker    BreakerConfig     `json:"breaker"`
	Archive    ArchiveConfig     `json:"archive"`
	Secrets    SecretsConfig     `json:"secrets"`
	Kafka      KafkaConfig       `json:"kafka"`
	Metrics    MetricsConfig     `json:"metrics"`
	Connectors []ConnectorConfig `json:"connectors"`
	Catalog    model.Catalog     `json:"catalog"`
}

type RetryConfig struct {
	InitialInterval model.Duration `json:"initial_interval"`
	MaxInterval     model.Duration `json:"max_interval"`
	Multiplier      float64        `json:"multiplier"`
}

type BreakerConfig struct {
	Threshold        int            `json:"threshold"`
	WarningThreshold int            `json:"warning_threshold"`
	Window           model.Duration `json:"window"`
}

type ArchiveConfig struct {
	Path string `json:"path"`
}

type SecretsConfig struct {
	Backend    string `json:"backend"`
	VaultAddr  string `json:"vault_addr"`
	VaultToken string `json:"vault_token"`
	Mount      string `json:"mount"`
	Prefix     string `json:"prefix"`
}

type KafkaConfig struct {
	Brokers          []string `json:"brokers"`
	GroupID          string   `json:"group_id"`
	EntitlementTopic string   `json:"entitlement_topic"`
	// ArchiveTopic is optional, archive records are published there
	ArchiveTopic string `json:"archive_topic"`
}

type MetricsConfig struct {
	Address string `json:"address"`
}

// ConnectorConfig binds a system to its HTTP connector
type ConnectorConfig struct {
	System  string         `json:"system"`
	URL     string         `json:"url"`
	Token   string         `json:"token"`
	Timeout model.Duration `json:"timeout"`
}

func LoadConfig(fileName string) (Config, error) {
	if fileName == "" {
		fileName = DefaultConfigFile
	}
	f, err := os.Open(fileName)
	if err != nil {
		return Config{}, fmt.Errorf("load config '%s': %w", fileName, err)
	}
	defer f.Close()

	cfg, err := LoadConfigFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("load config '%s': %w", fileName, err)
	}
	return cfg, nil
}

// LoadConfigFromReader parses YAML, applies defaults and environment fallbacks and validates the result
func LoadConfigFromReader(r io.Reader) (Config, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return Config{}, err
	}
	cfg := Config{}
	if err := yaml.Unmarshal(buf.Bytes(), &cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	cfg.assemble()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) assemble() {
	c.LogLevel = firstNonEmpty(c.LogLevel, "info")
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BulkWorkers <= 0 {
		c.BulkWorkers = 4
	}
	if c.RetryTick <= 0 {
		c.RetryTick = model.Duration(10 * time.Second)
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = model.Duration(time.Second)
	}
	c.Archive.Path = firstNonEmpty(c.Archive.Path, os.Getenv("ARCHIVE_PATH"), DefaultArchivePath)
	c.Secrets.Backend = firstNonEmpty(c.Secrets.Backend, SecretsBackendMemory)
	c.Secrets.VaultAddr = firstNonEmpty(c.Secrets.VaultAddr, os.Getenv("VAULT_ADDR"))
	c.Secrets.VaultToken = firstNonEmpty(c.Secrets.VaultToken, os.Getenv("VAULT_TOKEN"))
	c.Secrets.Mount = firstNonEmpty(c.Secrets.Mount, "secret")
	c.Secrets.Prefix = firstNonEmpty(c.Secrets.Prefix, "provisioning")
	for i := range c.Connectors {
		if c.Connectors[i].Timeout <= 0 {
			c.Connectors[i].Timeout = model.Duration(30 * time.Second)
		}
	}
}

func (c *Config) Validate() error {
	var result error
	switch c.Secrets.Backend {
	case SecretsBackendMemory:
	case SecretsBackendVault:
		if c.Secrets.VaultAddr == "" || c.Secrets.VaultToken == "" {
			result = multierror.Append(result, fmt.Errorf("secrets: vault backend needs vault_addr and vault_token"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("secrets: unknown backend %q", c.Secrets.Backend))
	}
	if len(c.Kafka.Brokers) > 0 && (c.Kafka.EntitlementTopic == "" || c.Kafka.GroupID == "") {
		result = multierror.Append(result, fmt.Errorf("kafka: entitlement_topic and group_id are required"))
	}
	if c.Breaker.Threshold < 0 || c.Breaker.WarningThreshold < 0 {
		result = multierror.Append(result, fmt.Errorf("breaker: negative threshold"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		result = multierror.Append(result, fmt.Errorf("retry: multiplier must be at least 1"))
	}
	systems := map[string]struct{}{}
	for _, s := range c.Catalog.Systems {
		systems[s.UUID] = struct{}{}
	}
	for _, conn := range c.Connectors {
		if conn.URL == "" {
			result = multierror.Append(result, fmt.Errorf("connector of %s: url is required", conn.System))
		}
		if _, ok := systems[conn.System]; !ok {
			result = multierror.Append(result, fmt.Errorf("connector of %s: unknown system", conn.System))
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
