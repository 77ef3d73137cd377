package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSBackend persists blobs to IPFS, grounded on the teacher's IPFSBackend.
// It suits redundant, content-addressed replication of gateway backups
// across independent pinning nodes, at the cost of anyone with the CID being
// able to fetch the ciphertext (never plaintext, since AEAD sealing happens
// before anything reaches a Backend).
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend connects to an IPFS node's API (or gateway, when useGateway
// is set) at host:port.
func NewIPFSBackend(host, port string, useGateway bool, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	apiURL := fmt.Sprintf("%s:%s", host, port)

	uri := fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout)
	if useGateway {
		uri = fmt.Sprintf("ipfs://%s/?gateway=true&timeout=%s", apiURL, timeout)
	}

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id ID, kind Kind) ([]byte, error) {
	start := time.Now()
	path := b.ipfsPath(id, kind)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("host", b.host), slog.String("port", b.port))
		return nil, ErrUnavailable
	}

	reader, err := b.shell.Cat(path)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			b.log.Debug("blob not found in IPFS", slog.String("path", path), slog.Duration("duration", time.Since(start)))
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}

	b.log.Debug("fetched blob from IPFS", slog.String("path", path), slog.Int("size", len(data)), slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, kind Kind) (ID, error) {
	id := IDOf(data)
	if !b.shell.IsUp() {
		return id, ErrUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("stored blob in IPFS", slog.String("ipfs_cid", cid), slog.String("id", id.String()), slog.String("kind", string(kind)))
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool { return b.shell.IsUp() }
func (b *IPFSBackend) Name() string                       { return fmt.Sprintf("ipfs-%s-%s", b.host, b.port) }
func (b *IPFSBackend) LocationURI() string                { return b.locationURI }

func (b *IPFSBackend) ipfsPath(id ID, kind Kind) string {
	return fmt.Sprintf("/ipfs/%s-%s", kind, id)
}

var _ Backend = (*IPFSBackend)(nil)
