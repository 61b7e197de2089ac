// Package presence tracks which identities hold a live connection and which
// push addresses each identity has registered.
package presence

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// Registry is the in-memory presence state of one relay instance.
//
// byIdentity and byHandle are kept in lock-step so that a handle can be
// resolved back to its identity in O(1) on disconnect. A handle that was
// superseded by a later registration is dropped from byHandle at that point,
// which means its eventual disconnect leaves the newer mapping untouched.
//
// Push addresses are independent of presence: they are added on request and
// never removed here.
type Registry struct {
	mu            sync.RWMutex
	byIdentity    map[relay.Identity]relay.ConnectionHandle
	byHandle      map[relay.ConnectionHandle]relay.Identity
	pushAddresses map[relay.Identity]map[string]struct{}
	logger        zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byIdentity:    make(map[relay.Identity]relay.ConnectionHandle),
		byHandle:      make(map[relay.ConnectionHandle]relay.Identity),
		pushAddresses: make(map[relay.Identity]map[string]struct{}),
		logger:        logger.With().Str("component", "PresenceRegistry").Logger(),
	}
}

// Register binds identity to handle, superseding any previous handle for
// that identity. The superseded handle is orphaned without notification.
func (r *Registry) Register(identity relay.Identity, handle relay.ConnectionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.byIdentity[identity]; ok && previous != handle {
		delete(r.byHandle, previous)
		r.logger.Debug().
			Str("user", identity.String()).
			Str("superseded", previous.String()).
			Msg("Previous connection handle orphaned.")
	}

	// The same handle re-registering under a different identity releases
	// the identity it held before.
	if prevIdentity, ok := r.byHandle[handle]; ok && prevIdentity != identity {
		if r.byIdentity[prevIdentity] == handle {
			delete(r.byIdentity, prevIdentity)
		}
	}

	r.byIdentity[identity] = handle
	r.byHandle[handle] = identity

	r.logger.Info().
		Str("user", identity.String()).
		Str("handle", handle.String()).
		Int("online_users", len(r.byIdentity)).
		Msg("User registered.")
}

// LookupHandle returns the live handle for identity, if any.
func (r *Registry) LookupHandle(identity relay.Identity) (relay.ConnectionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.byIdentity[identity]
	return handle, ok
}

// UnregisterByHandle removes the mapping currently held by handle and
// returns the identity it belonged to.
func (r *Registry) UnregisterByHandle(handle relay.ConnectionHandle) (relay.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}
	delete(r.byHandle, handle)
	if r.byIdentity[identity] == handle {
		delete(r.byIdentity, identity)
	}

	r.logger.Info().
		Str("user", identity.String()).
		Str("handle", handle.String()).
		Int("online_users", len(r.byIdentity)).
		Msg("User unregistered.")
	return identity, true
}

// AddPushAddress adds a device push address for identity. Adding an
// address twice has no effect.
func (r *Registry) AddPushAddress(identity relay.Identity, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.pushAddresses[identity]
	if !ok {
		set = make(map[string]struct{})
		r.pushAddresses[identity] = set
	}
	set[address] = struct{}{}

	r.logger.Info().Str("user", identity.String()).Int("addresses", len(set)).Msg("Push address registered.")
}

// PushAddresses returns a copy of the push addresses registered for identity.
func (r *Registry) PushAddresses(identity relay.Identity) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.pushAddresses[identity])
}

// Count returns the number of identities with a live handle.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byIdentity)
}
