// Package fetch transfers dataset bytes from a remote source to local disk
// with bounded retries. It is format-agnostic: archive handling is the
// extractor's job.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Transport opens a byte stream for a source locator. The returned size is
// -1 when the source does not report one.
type Transport interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, int64, error)
}

// ErrNoTransport is returned when no transport is registered for a locator.
var ErrNoTransport = errors.New("no transport for locator")

// SchemeMux routes locators to transports by URL scheme. Locators without a
// scheme (repository-style identifiers such as "org/dataset") go to the
// fallback transport when one is set.
type SchemeMux struct {
	mu       sync.RWMutex
	byScheme map[string]Transport
	fallback Transport
}

func NewSchemeMux() *SchemeMux {
	return &SchemeMux{byScheme: make(map[string]Transport)}
}

// Register binds a transport to a scheme ("https", "s3", ...).
func (m *SchemeMux) Register(scheme string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byScheme[scheme] = t
}

// SetFallback handles scheme-less locators.
func (m *SchemeMux) SetFallback(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = t
}

func (m *SchemeMux) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	t := m.lookup(locator)
	m.mu.RUnlock()

	if t == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoTransport, locator)
	}
	return t.Open(ctx, locator)
}

func (m *SchemeMux) lookup(locator string) Transport {
	scheme, _, ok := strings.Cut(locator, "://")
	if !ok {
		return m.fallback
	}
	return m.byScheme[scheme]
}
