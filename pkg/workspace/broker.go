package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// ErrUnavailable wraps broker I/O failures. Executions report them as the
// retryable storage-unavailable error.
var ErrUnavailable = errors.New("scale: workspace unavailable")

// Broker stores and retrieves workspace files.
type Broker interface {
	// Download copies a stored file to a local path.
	Download(ctx context.Context, f *core.File, dst string) error
	// Upload stores a local file under a workspace-relative path and
	// returns its size in bytes.
	Upload(ctx context.Context, src, path string) (int64, error)
	// Delete removes a stored file.
	Delete(ctx context.Context, path string) error
}

// HostBroker stores files under a local directory.
type HostBroker struct {
	root string
}

// NewHostBroker creates a broker rooted at dir.
func NewHostBroker(dir string) *HostBroker {
	return &HostBroker{root: dir}
}

// resolve joins a workspace-relative path to the root, refusing paths that
// escape it.
func (b *HostBroker) resolve(path string) (string, error) {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(b.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", path)
	}
	return full, nil
}

func (b *HostBroker) Download(ctx context.Context, f *core.File, dst string) error {
	src, err := b.resolve(f.FilePath)
	if err != nil {
		return err
	}
	if _, err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *HostBroker) Upload(ctx context.Context, src, path string) (int64, error) {
	dst, err := b.resolve(path)
	if err != nil {
		return 0, err
	}
	n, err := copyFile(src, dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (b *HostBroker) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return writeFile(dst, in)
}

func writeFile(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Resolver opens the broker of a workspace on first use and caches it.
type Resolver struct {
	store core.FileStore
	s3    S3ClientFactory

	mu      sync.Mutex
	brokers map[uint]Broker
}

// NewResolver creates a Resolver. S3 workspaces use clients from s3; a nil
// factory uses NewS3Client.
func NewResolver(store core.FileStore, s3 S3ClientFactory) *Resolver {
	if s3 == nil {
		s3 = NewS3Client
	}
	return &Resolver{store: store, s3: s3, brokers: make(map[uint]Broker)}
}

// Broker returns the broker of a workspace.
func (r *Resolver) Broker(ctx context.Context, workspaceID uint) (Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.brokers[workspaceID]; ok {
		return b, nil
	}
	ws, err := r.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.IsActive {
		return nil, fmt.Errorf("%w: workspace %s is inactive", ErrUnavailable, ws.Name)
	}
	b, err := r.open(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", ws.Name, err)
	}
	r.brokers[workspaceID] = b
	return b, nil
}

// Set installs a broker for a workspace, replacing any cached one.
func (r *Resolver) Set(workspaceID uint, b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[workspaceID] = b
}

func (r *Resolver) open(ctx context.Context, ws *core.Workspace) (Broker, error) {
	cfg := ws.JSONConfig.Data().Broker
	switch cfg.Type {
	case core.BrokerHost:
		if cfg.HostPath == "" {
			return nil, errors.New("host broker needs host_path")
		}
		return NewHostBroker(cfg.HostPath), nil
	case core.BrokerS3:
		if cfg.Bucket == "" {
			return nil, errors.New("s3 broker needs bucket")
		}
		client, err := r.s3(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return NewS3Broker(client, cfg.Bucket), nil
	}
	return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
}
