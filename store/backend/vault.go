package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultBackend persists blobs to HashiCorp Vault's KV v2 secrets engine over
// mTLS, grounded on the teacher's VaultBackend. It is the natural home for
// guardian share bytes: Vault's access-control and audit-log story matches
// what a guardian process wants for the one secret it's trusted with.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend authenticates with clientCert, a TLS certificate signed by
// whatever CA the deployment's guardians trust.
func NewVaultBackend(address, mountPath, dataPath string, clientCert tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{clientCert}},
	}

	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id ID, kind Kind) ([]byte, error) {
	start := time.Now()
	path := b.vaultPath(id, kind)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		b.log.Debug("blob not found in Vault", slog.String("path", path))
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"]
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response at %s", path)
	}
	content, ok := data.(map[string]interface{})["content"]
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}
	contentStr, ok := content.(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data at %s", path)
	}

	b.log.Info("fetched blob from Vault", slog.String("path", path), slog.Duration("duration", time.Since(start)))
	return []byte(contentStr), nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, kind Kind) (ID, error) {
	start := time.Now()
	id := IDOf(data)
	path := b.vaultPath(id, kind)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{"content": string(data)},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("failed to write to Vault", slog.String("path", path), "err", err)
		return id, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.log.Info("stored blob in Vault", slog.String("path", path), slog.Duration("duration", time.Since(start)))
	return id, nil
}

func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault not available", slog.Bool("initialized", health.Initialized), slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string { return b.locationURI }

func (b *VaultBackend) vaultPath(id ID, kind Kind) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", b.mountPath, b.dataPath, kind, id)
}

var _ Backend = (*VaultBackend)(nil)
