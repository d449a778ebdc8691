package secret

import (
	"context"
	"fmt"
	"strings"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/api"

	"github.com/flant/negentropy/provisioning/model"
)

const valueField = "value"

// VaultStore keeps secrets at kv v2 secrets engine
type VaultStore struct {
	client *api.Client
	mount  string
	prefix string
	logger log.Logger
}

func NewVaultClient(address string, token string) (*api.Client, error) {
	conf := api.DefaultConfig()
	conf.Address = address
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return client, nil
}

func NewVaultStore(client *api.Client, mount string, prefix string, logger log.Logger) *VaultStore {
	return &VaultStore{
		client: client,
		mount:  strings.Trim(mount, "/"),
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("VaultStore"),
	}
}

func (s *VaultStore) path(kind string, key string) string {
	if s.prefix == "" {
		return s.mount + "/" + kind + "/" + key
	}
	return s.mount + "/" + kind + "/" + s.prefix + "/" + key
}

func (s *VaultStore) Put(ctx context.Context, key string, value model.GuardedString) error {
	_, err := s.client.Logical().WriteWithContext(ctx, s.path("data", key), map[string]interface{}{
		"data": map[string]interface{}{valueField: value.Reveal()},
	})
	if err != nil {
		return fmt.Errorf("VaultStore.Put:%w", err)
	}
	return nil
}

func (s *VaultStore) Get(ctx context.Context, key string) (model.GuardedString, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.path("data", key))
	if err != nil {
		return model.GuardedString{}, fmt.Errorf("VaultStore.Get:%w", err)
	}
	if secret == nil || secret.Data == nil {
		return model.GuardedString{}, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return model.GuardedString{}, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	value, ok := data[valueField].(string)
	if !ok {
		return model.GuardedString{}, fmt.Errorf("VaultStore.Get: wrong value type at %s", key)
	}
	return model.NewGuardedString(value), nil
}

// Purge removes all versions of the secret
func (s *VaultStore) Purge(ctx context.Context, key string) error {
	_, err := s.client.Logical().DeleteWithContext(ctx, s.path("metadata", key))
	if err != nil {
		return fmt.Errorf("VaultStore.Purge:%w", err)
	}
	s.logger.Debug("purged", "key", key)
	return nil
}
