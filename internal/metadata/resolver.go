// Package metadata resolves OAuth authorization-server endpoints for a
// target, either from a static provider preset or through the broker's
// discovery proxy.
package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/pkg/logging"
)

// DefaultCacheTTL is the default lifetime of cached discovery results.
const DefaultCacheTTL = 30 * time.Minute

// Metadata is the subset of RFC 8414 authorization-server metadata the
// flow needs. A present RegistrationEndpoint means the broker can register
// a client dynamically and the caller need not supply credentials.
type Metadata struct {
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// SupportsDynamicRegistration reports whether the provider can issue a
// client id without manual configuration.
func (m *Metadata) SupportsDynamicRegistration() bool {
	return m != nil && m.RegistrationEndpoint != ""
}

// complete reports whether both mandatory endpoints are present.
func (m *Metadata) complete() bool {
	return m != nil && m.AuthorizationEndpoint != "" && m.TokenEndpoint != ""
}

// Request identifies what to resolve. Provider selects a preset; when it
// is empty, Resource is discovered through the broker.
type Request struct {
	// TargetID is the target being connected, passed through to the
	// broker's discovery proxy.
	TargetID string

	// Provider is a preset identifier (google, github, microsoft), or
	// empty for generic providers.
	Provider string

	// Tenant parameterizes multi-tenant presets.
	Tenant string

	// Resource is the URL of the resource server whose authorization
	// server should be discovered.
	Resource string
}

// Discoverer proxies a well-known metadata fetch through the broker, which
// performs the outbound request so the target's document never has to be
// CORS-reachable from the client.
type Discoverer interface {
	DiscoverMetadata(ctx context.Context, targetID, resource string) (*Metadata, error)
}

type cacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Resolver resolves metadata with a TTL cache over broker discovery.
// Preset lookups never hit the network.
type Resolver struct {
	discoverer Discoverer
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	group singleflight.Group
}

// ResolverOption configures the resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL sets the discovery cache TTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// NewResolver creates a resolver backed by the given discoverer.
func NewResolver(d Discoverer, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		discoverer: d,
		ttl:        DefaultCacheTTL,
		cache:      make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the authorization-server metadata for a request. A
// discovery failure, or a discovery document missing either mandatory
// endpoint, fails the whole attempt; there is no partial metadata state.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Metadata, error) {
	if req.Provider != "" {
		preset, ok := LookupPreset(req.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown provider preset %q", req.Provider)
		}
		return preset.Metadata(req.Tenant), nil
	}

	if req.Resource == "" {
		return nil, fmt.Errorf("no provider preset and no resource URL to discover")
	}

	// Check cache first with read lock
	r.mu.RLock()
	if entry, ok := r.cache[req.Resource]; ok {
		if time.Since(entry.fetchedAt) < r.ttl {
			r.mu.RUnlock()
			return entry.metadata, nil
		}
	}
	r.mu.RUnlock()

	// Deduplicate concurrent discoveries for the same resource
	result, err, _ := r.group.Do(req.Resource, func() (interface{}, error) {
		r.mu.RLock()
		if entry, ok := r.cache[req.Resource]; ok {
			if time.Since(entry.fetchedAt) < r.ttl {
				r.mu.RUnlock()
				return entry.metadata, nil
			}
		}
		r.mu.RUnlock()

		return r.discover(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (r *Resolver) discover(ctx context.Context, req Request) (*Metadata, error) {
	md, err := r.discoverer.DiscoverMetadata(ctx, req.TargetID, req.Resource)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery for %s failed: %w", req.Resource, err)
	}
	if !md.complete() {
		return nil, fmt.Errorf("discovery document for %s is missing authorization or token endpoint", req.Resource)
	}

	r.mu.Lock()
	r.cache[req.Resource] = &cacheEntry{metadata: md, fetchedAt: time.Now()}
	r.mu.Unlock()

	logging.Debug("Metadata", "Discovered metadata for resource=%s (auth=%s, token=%s)",
		req.Resource, md.AuthorizationEndpoint, md.TokenEndpoint)

	return md, nil
}
