// Package registry maps subdomains to live tunnels. It is read far more
// often than it is written (every proxied request looks a tunnel up; only
// registration and deregistration write), so it shards across independent
// locks rather than guarding one map with a single RWMutex.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/bc183/otun/internal/tunnel"
)

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	tunnels map[string]*tunnel.Tunnel
}

// Registry is a sharded, concurrency-safe subdomain -> tunnel map.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{tunnels: make(map[string]*tunnel.Tunnel)}
	}
	return r
}

func (r *Registry) shardFor(subdomain string) *shard {
	h := fnv.New32a()
	h.Write([]byte(subdomain))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a tunnel under its subdomain. It fails with ErrReserved if
// the subdomain is permanently reserved, with an *InvalidSubdomainError if
// it is malformed, or with ErrTaken if another tunnel already holds it.
func (r *Registry) Register(t *tunnel.Tunnel) error {
	if err := Validate(t.Subdomain); err != nil {
		return err
	}
	if isReserved(t.Subdomain) {
		return ErrReserved
	}

	s := r.shardFor(t.Subdomain)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tunnels[t.Subdomain]; exists {
		return ErrTaken
	}
	s.tunnels[t.Subdomain] = t
	return nil
}

// Deregister removes a subdomain's tunnel, if present. It does not close
// the tunnel; callers are expected to call Tunnel.Close separately.
func (r *Registry) Deregister(subdomain string) {
	s := r.shardFor(subdomain)
	s.mu.Lock()
	delete(s.tunnels, subdomain)
	s.mu.Unlock()
}

// Get looks up the tunnel registered under subdomain.
func (r *Registry) Get(subdomain string) (*tunnel.Tunnel, bool) {
	s := r.shardFor(subdomain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tunnels[subdomain]
	return t, ok
}

// Subdomains returns every currently registered subdomain. The result is a
// point-in-time snapshot; tunnels may register or deregister concurrently.
func (r *Registry) Subdomains() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for sub := range s.tunnels {
			out = append(out, sub)
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of currently registered tunnels.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.tunnels)
		s.mu.RUnlock()
	}
	return n
}
