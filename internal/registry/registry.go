// Package registry tracks the last-observed UDP source address of each
// client for one protocol engine.
//
// The punch coordinator and the relay forwarder each own a private Registry:
// a client behind a NAT is typically reachable at a different mapped address
// on each port, so the two registries are never merged. A Registry is not
// safe for concurrent use; each engine confines its instance to its own
// packet loop, which is what makes lock-free mutation sound.
package registry

import (
	"net/netip"
	"time"

	"github.com/peerlink/synapse/internal/identity"
)

// Endpoint records where a client was last heard from.
type Endpoint struct {
	Client   identity.ClientID
	Addr     netip.AddrPort
	LastSeen time.Time
}

// Registry maps client identities to endpoints and back. The forward and
// reverse maps are mutated together, never independently.
type Registry struct {
	byClient map[identity.ClientID]*Endpoint
	byAddr   map[netip.AddrPort]identity.ClientID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byClient: make(map[identity.ClientID]*Endpoint),
		byAddr:   make(map[netip.AddrPort]identity.ClientID),
	}
}

// Observe records that client was just heard from at addr. It inserts a
// fresh endpoint for unknown clients, refreshes LastSeen for known ones,
// and repoints both maps when the source address changed. The return value
// reports such a migration; it carries no behavioral weight beyond logging.
func (r *Registry) Observe(client identity.ClientID, addr netip.AddrPort, now time.Time) (migrated bool) {
	ep, ok := r.byClient[client]
	if !ok {
		r.byClient[client] = &Endpoint{Client: client, Addr: addr, LastSeen: now}
		r.byAddr[addr] = client
		return false
	}

	if ep.Addr != addr {
		delete(r.byAddr, ep.Addr)
		r.byAddr[addr] = client
		ep.Addr = addr
		migrated = true
	}
	ep.LastSeen = now
	return migrated
}

// Lookup returns the endpoint recorded for client.
func (r *Registry) Lookup(client identity.ClientID) (Endpoint, bool) {
	ep, ok := r.byClient[client]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// LookupAddr returns the client last observed at addr.
func (r *Registry) LookupAddr(addr netip.AddrPort) (identity.ClientID, bool) {
	client, ok := r.byAddr[addr]
	return client, ok
}

// Sweep removes every endpoint idle for longer than staleAfter and returns
// the evicted identities for logging. Both map entries go together.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []identity.ClientID {
	var stale []identity.ClientID
	for client, ep := range r.byClient {
		if now.Sub(ep.LastSeen) > staleAfter {
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		if ep, ok := r.byClient[client]; ok {
			delete(r.byAddr, ep.Addr)
			delete(r.byClient, client)
		}
	}
	return stale
}

// Len returns the number of tracked endpoints.
func (r *Registry) Len() int {
	return len(r.byClient)
}
