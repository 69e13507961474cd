package alerts

import (
	"context"
	"sync"

	"rconbridge-go/internal/config"
)

// StaticResolver routes by configuration: the server's own channel first,
// then the global channel.
type StaticResolver struct {
	mu        sync.RWMutex
	global    ChannelRef
	perServer map[string]ChannelRef
	deliverer Deliverer
}

// NewStaticResolver creates a resolver delivering through deliverer.
func NewStaticResolver(global string, deliverer Deliverer) *StaticResolver {
	return &StaticResolver{
		global:    ChannelRef(global),
		perServer: make(map[string]ChannelRef),
		deliverer: deliverer,
	}
}

// NewResolverFromConfig builds the resolver and its per-server overrides.
func NewResolverFromConfig(cfg *config.Config, deliverer Deliverer) *StaticResolver {
	global := ""
	if cfg.Alerts != nil {
		global = cfg.Alerts.GlobalChannel
	}
	r := NewStaticResolver(global, deliverer)
	for _, s := range cfg.Servers {
		r.SetServerChannel(s.Tag, s.AlertChannel)
	}
	return r
}

// SetServerChannel sets or, with an empty ref, clears a server override.
func (r *StaticResolver) SetServerChannel(serverTag, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref == "" {
		delete(r.perServer, serverTag)
		return
	}
	r.perServer[serverTag] = ChannelRef(ref)
}

// SetGlobalChannel replaces the fallback channel.
func (r *StaticResolver) SetGlobalChannel(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = ChannelRef(ref)
}

// Resolve implements ChannelResolver.
func (r *StaticResolver) Resolve(serverTag string) (ChannelRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref, ok := r.perServer[serverTag]; ok && ref != "" {
		return ref, true
	}
	if r.global != "" {
		return r.global, true
	}
	return "", false
}

// Deliver implements ChannelResolver.
func (r *StaticResolver) Deliver(ctx context.Context, ref ChannelRef, alert Alert) error {
	if r.deliverer == nil {
		return ErrUnknownChannel
	}
	return r.deliverer.Deliver(ctx, ref, alert)
}
