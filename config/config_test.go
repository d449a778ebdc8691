package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/model"
)

const sample = `
log_level: debug
workers: 2
retry_tick: 30s
retry:
  initial_interval: 5s
  max_interval: 10m
  multiplier: 2
breaker:
  threshold: 50
  window: 15m
archive:
  path: /var/lib/provisioner/archive.db
secrets:
  backend: vault
  vault_addr: https://vault:8200
  mount: kv
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  group_id: provisioner
  entitlement_topic: entitlements
connectors:
- system: 00000000-0000-4000-a000-000000000001
  url: http://ldap-gate:8080
catalog:
  systems:
  - uuid: 00000000-0000-4000-a000-000000000001
    name: ldap
    breaker:
      threshold: 5
      window: 1m
  system_mappings:
  - uuid: 00000000-0000-4000-a000-000000000011
    system_uuid: 00000000-0000-4000-a000-000000000001
    entity_type: identity
    attributes:
    - name: uid
      entity_property: login
      uid: true
    - name: password
      password: true
      generate_on_create: true
  roles:
  - uuid: 00000000-0000-4000-b000-000000000001
    name: developer
  role_system_mappings:
  - uuid: 00000000-0000-4000-b000-000000000011
    role_uuid: 00000000-0000-4000-b000-000000000001
    system_uuid: 00000000-0000-4000-a000-000000000001
    forward_account_management: true
`

func Test_LoadConfigFromReader(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "root")

	cfg, err := LoadConfigFromReader(strings.NewReader(sample))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 4, cfg.BulkWorkers)
	require.Equal(t, model.Duration(30*time.Second), cfg.RetryTick)
	require.Equal(t, model.Duration(10*time.Minute), cfg.Retry.MaxInterval)
	require.Equal(t, model.Duration(15*time.Minute), cfg.Breaker.Window)
	require.Equal(t, "root", cfg.Secrets.VaultToken)
	require.Equal(t, "kv", cfg.Secrets.Mount)
	require.Equal(t, "provisioning", cfg.Secrets.Prefix)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, model.Duration(30*time.Second), cfg.Connectors[0].Timeout)

	require.Len(t, cfg.Catalog.Systems, 1)
	require.Equal(t, model.Duration(time.Minute), cfg.Catalog.Systems[0].Breaker.Window)
	require.Len(t, cfg.Catalog.SystemMappings[0].Attributes, 2)
	require.True(t, cfg.Catalog.SystemMappings[0].Attributes[1].GenerateOnCreate)
	require.True(t, cfg.Catalog.RoleSystemMappings[0].ForwardAccountManagement)
}

func Test_LoadConfigDefaults(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, SecretsBackendMemory, cfg.Secrets.Backend)
	require.Equal(t, DefaultArchivePath, cfg.Archive.Path)
	require.Equal(t, model.Duration(10*time.Second), cfg.RetryTick)
}

func Test_LoadConfigValidation(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_ADDR", "")
	_, err := LoadConfigFromReader(strings.NewReader(`
secrets:
  backend: vault
kafka:
  brokers: [kafka:9092]
connectors:
- system: unknown
`))
	require.Error(t, err)
	for _, msg := range []string{"vault_addr", "entitlement_topic", "url is required", "unknown system"} {
		require.Contains(t, err.Error(), msg)
	}

	_, err = LoadConfigFromReader(strings.NewReader("retry_tick: 10"))
	require.Error(t, err, "durations are strings")
}

func Test_LoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provisioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
