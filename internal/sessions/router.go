package sessions

import (
	"fmt"

	"github.com/google/uuid"
)

// Resolution is the outcome of routing an inbound event to a session.
type Resolution struct {
	StorePath    string
	SessionKey   string
	Entry        *Entry
	IsNewSession bool
	SystemSent   bool
}

// Router maps inbound events to durable session identities.
type Router struct {
	store    *Store
	stateDir string
}

// NewRouter creates a session router over the given store and state dir.
func NewRouter(store *Store, stateDir string) *Router {
	return &Router{store: store, stateDir: stateDir}
}

// Store exposes the underlying session store.
func (r *Router) Store() *Store { return r.store }

// Resolve maps (agentID, origin) to a session. An existing entry keeps its
// session id for the life of the key; a fresh key gets a new UUID. The merged
// entry is persisted before returning so concurrent resolvers converge on one
// identity (the earlier session id wins a race by merge rules).
func (r *Router) Resolve(agentID string, origin Origin, now int64) (*Resolution, error) {
	if agentID == "" {
		return nil, fmt.Errorf("resolve session: empty agent id")
	}

	storePath := StorePath(r.stateDir, agentID)
	key := BuildKey(agentID, origin)

	entries, err := r.store.Load(storePath)
	if err != nil {
		return nil, err
	}

	existing := entries[key]
	isNew := existing == nil

	sessionID := ""
	if existing != nil {
		sessionID = existing.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	patch := &Entry{
		SessionID:       sessionID,
		UpdatedAt:       now,
		LastChannel:     origin.Channel,
		ChannelOfOrigin: origin.Channel,
	}
	if isNew {
		patch.CreatedAt = now
	}
	if origin.Kind == PeerGroup {
		patch.GroupID = origin.PeerID
		patch.GroupChannel = origin.Channel
	}
	if origin.ThreadID != "" {
		patch.ThreadID = origin.ThreadID
	}

	merged, err := r.store.MergeEntry(storePath, key, patch)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		StorePath:    storePath,
		SessionKey:   key,
		Entry:        merged,
		IsNewSession: isNew,
		SystemSent:   merged.SystemSent,
	}, nil
}
