package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// VaultShareBackend persists sealed share generations in a HashiCorp Vault
// KV v2 mount. Erase destroys every version of the secret together with its
// metadata.
type VaultShareBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultShareBackend creates a Vault share backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; falls back to VAULT_TOKEN when empty
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "kms-handoff")
func NewVaultShareBackend(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultShareBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultShareBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Save writes sealed data as a new version of the secret.
func (b *VaultShareBackend) Save(ctx context.Context, key interfaces.ShareKey, sealed []byte) error {
	path := b.secretPath("data", key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(sealed),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Load reads the latest version of the secret.
func (b *VaultShareBackend) Load(ctx context.Context, key interfaces.ShareKey) ([]byte, error) {
	path := b.secretPath("data", key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrShareNotFound
	}

	// KV v2 nests the payload under "data"; a deleted latest version has nil data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrShareNotFound
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}

	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data at %s: %w", path, err)
	}
	return sealed, nil
}

// Erase permanently removes all versions and the metadata of the secret.
func (b *VaultShareBackend) Erase(ctx context.Context, key interfaces.ShareKey) error {
	path := b.secretPath("metadata", key)

	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		b.log.Error("Failed to destroy Vault secret", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Destroyed share in Vault", slog.String("path", path))
	return nil
}

// List returns all stored keys.
func (b *VaultShareBackend) List(ctx context.Context) ([]interfaces.ShareKey, error) {
	path := fmt.Sprintf("%s/metadata/%s", b.mountPath, b.dataPath)

	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]interfaces.ShareKey, 0, len(raw))
	for _, entry := range raw {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		key, err := interfaces.ParseShareKey(strings.ReplaceAll(name, ".", "/"))
		if err != nil {
			b.log.Warn("Skipping unrecognized Vault secret", slog.String("name", name), "err", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultShareBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns identifier for logging.
func (b *VaultShareBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this backend.
func (b *VaultShareBackend) LocationURI() string {
	return b.locationURI
}

// secretPath flattens the share key into a single secret name so that List
// needs no recursion.
func (b *VaultShareBackend) secretPath(kind string, key interfaces.ShareKey) string {
	name := strings.ReplaceAll(key.Path(), "/", ".")
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, name)
}
