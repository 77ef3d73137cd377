package backend

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Factory constructs Backends from location URIs, grounded on the teacher's
// StorageBackendFactory. The onchain:// and github:// schemes it also
// supported have no CoralKM analog and are dropped.
type Factory struct {
	log        *slog.Logger
	vaultCert  tls.Certificate
	hasVaultCA bool
}

// NewFactory constructs a Factory. vaultCert authenticates any vault:// URIs
// resolved; it is unused if none are.
func NewFactory(log *slog.Logger, vaultCert tls.Certificate) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{log: log, vaultCert: vaultCert, hasVaultCA: len(vaultCert.Certificate) > 0}
}

// BackendFor parses locationURI and constructs the matching Backend.
//
// Supported schemes: file://, s3://, ipfs://, vault://.
func (f *Factory) BackendFor(locationURI string) (Backend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid backend location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.fileBackend(u)
	case "s3":
		return f.s3Backend(u)
	case "ipfs":
		return f.ipfsBackend(u)
	case "vault":
		return f.vaultBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// MultiBackendFor builds a MultiBackend from every URI that parses and
// constructs successfully, logging and skipping the rest.
func (f *Factory) MultiBackendFor(locationURIs []string) (Backend, error) {
	backends := make([]Backend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		b, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("failed to construct backend", "err", err, slog.String("uri", uri))
			continue
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid backends constructed from %v", locationURIs)
	}
	return NewMultiBackend(backends, f.log), nil
}

func (f *Factory) fileBackend(u *url.URL) (Backend, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	return NewFileBackend(path, f.log)
}

func (f *Factory) s3Backend(u *url.URL) (Backend, error) {
	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

func (f *Factory) ipfsBackend(u *url.URL) (Backend, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	query := u.Query()
	useGateway := query.Get("gateway") == "true"
	timeout := query.Get("timeout")
	if timeout == "" {
		timeout = "30s"
	}
	return NewIPFSBackend(host, port, useGateway, timeout, f.log)
}

func (f *Factory) vaultBackend(u *url.URL) (Backend, error) {
	if !f.hasVaultCA {
		return nil, fmt.Errorf("vault backend requires a client certificate")
	}
	address := fmt.Sprintf("https://%s", u.Host)
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid vault URI, expected vault://host/mount/path: %s", u.String())
	}
	return NewVaultBackend(address, parts[0], parts[1], f.vaultCert, f.log)
}
