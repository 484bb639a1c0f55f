package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// ContainerdClient wraps the containerd connection used by the maximum
// isolation tier, with namespace scoping and liveness checks.
type ContainerdClient struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// ConnectContainerd dials containerd and verifies the daemon responds.
func ConnectContainerd(ctx context.Context, socket, namespace string) (*ContainerdClient, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdClient{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw exposes the underlying client for direct API calls.
func (c *ContainerdClient) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace scopes the context to the configured containerd namespace.
func (c *ContainerdClient) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy reports whether the daemon still answers.
func (c *ContainerdClient) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// EnsureImage returns the named image, pulling it if absent.
func (c *ContainerdClient) EnsureImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling plugin image")

	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

// Close shuts the connection down.
func (c *ContainerdClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}
