package sessions

import (
	"encoding/json"
	"time"
)

// Entry is the durable state of one conversation thread.
//
// Unknown JSON fields survive a read-modify-write cycle via the Extra sidecar:
// a writer must never drop fields it does not understand, so newer processes
// can add fields without older ones erasing them.
type Entry struct {
	SessionID       string `json:"sessionId"`
	CreatedAt       int64  `json:"createdAt,omitempty"` // unix ms
	UpdatedAt       int64  `json:"updatedAt,omitempty"` // unix ms
	LastChannel     string `json:"lastChannel,omitempty"`
	ChannelOfOrigin string `json:"channelOfOrigin,omitempty"`
	GroupID         string `json:"groupId,omitempty"`
	GroupChannel    string `json:"groupChannel,omitempty"`
	Space           string `json:"space,omitempty"`
	ThreadID        string `json:"threadId,omitempty"`
	SpawnedBy       string `json:"spawnedBy,omitempty"` // parent session id for subagents

	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	AuthProfileID    string `json:"authProfileId,omitempty"`

	SkillsSnapshot []string `json:"skillsSnapshot,omitempty"`

	InputTokens     int64 `json:"inputTokens,omitempty"`
	OutputTokens    int64 `json:"outputTokens,omitempty"`
	ContextTokens   int64 `json:"contextTokens,omitempty"`
	TotalTokens     int64 `json:"totalTokens,omitempty"`
	CompactionCount int   `json:"compactionCount,omitempty"`

	SystemSent bool `json:"systemSent,omitempty"`

	// LastChunk carries streaming idempotence metadata: which chunk of which
	// assistant message was last delivered to the transport.
	LastChunk *ChunkMark `json:"lastChunk,omitempty"`

	// Extra preserves fields this build does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// ChunkMark identifies the last delivered streaming chunk.
type ChunkMark struct {
	MessageID string `json:"messageId"`
	Seq       int    `json:"seq"`
}

// entryAlias avoids recursion in the custom (Un)MarshalJSON.
type entryAlias Entry

var knownEntryFields = func() map[string]bool {
	known := map[string]bool{}
	for _, f := range []string{
		"sessionId", "createdAt", "updatedAt", "lastChannel", "channelOfOrigin",
		"groupId", "groupChannel", "space", "threadId", "spawnedBy",
		"providerOverride", "modelOverride", "authProfileId", "skillsSnapshot",
		"inputTokens", "outputTokens", "contextTokens", "totalTokens",
		"compactionCount", "systemSent", "lastChunk",
	} {
		known[f] = true
	}
	return known
}()

// UnmarshalJSON decodes known fields into the struct and stashes the rest.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var alias entryAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownEntryFields[k] {
			delete(raw, k)
		}
	}
	*e = Entry(alias)
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown ones.
func (e Entry) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone deep-copies an entry so mutators never alias store-owned state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.SkillsSnapshot != nil {
		out.SkillsSnapshot = append([]string(nil), e.SkillsSnapshot...)
	}
	if e.LastChunk != nil {
		mark := *e.LastChunk
		out.LastChunk = &mark
	}
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Merge combines an existing entry with a patch: patch fields win where set,
// except CompactionCount and timestamps take the max, the earlier SessionID is
// preserved, and unknown fields from both sides survive (patch wins on clash).
func Merge(existing, patch *Entry) *Entry {
	if existing == nil {
		return patch.Clone()
	}
	if patch == nil {
		return existing.Clone()
	}

	out := existing.Clone()

	// Session identity never changes once assigned.
	if out.SessionID == "" {
		out.SessionID = patch.SessionID
	}

	if patch.CreatedAt != 0 && (out.CreatedAt == 0 || patch.CreatedAt < out.CreatedAt) {
		out.CreatedAt = patch.CreatedAt
	}
	out.UpdatedAt = maxInt64(out.UpdatedAt, patch.UpdatedAt)
	if patch.CompactionCount > out.CompactionCount {
		out.CompactionCount = patch.CompactionCount
	}

	if patch.LastChannel != "" {
		out.LastChannel = patch.LastChannel
	}
	if patch.ChannelOfOrigin != "" {
		out.ChannelOfOrigin = patch.ChannelOfOrigin
	}
	if patch.GroupID != "" {
		out.GroupID = patch.GroupID
	}
	if patch.GroupChannel != "" {
		out.GroupChannel = patch.GroupChannel
	}
	if patch.Space != "" {
		out.Space = patch.Space
	}
	if patch.ThreadID != "" {
		out.ThreadID = patch.ThreadID
	}
	if patch.SpawnedBy != "" {
		out.SpawnedBy = patch.SpawnedBy
	}
	if patch.ProviderOverride != "" {
		out.ProviderOverride = patch.ProviderOverride
	}
	if patch.ModelOverride != "" {
		out.ModelOverride = patch.ModelOverride
	}
	if patch.AuthProfileID != "" {
		out.AuthProfileID = patch.AuthProfileID
	}
	if patch.SkillsSnapshot != nil {
		out.SkillsSnapshot = append([]string(nil), patch.SkillsSnapshot...)
	}
	if patch.InputTokens != 0 {
		out.InputTokens = patch.InputTokens
	}
	if patch.OutputTokens != 0 {
		out.OutputTokens = patch.OutputTokens
	}
	if patch.ContextTokens != 0 {
		out.ContextTokens = patch.ContextTokens
	}
	if patch.SystemSent {
		out.SystemSent = true
	}
	if patch.LastChunk != nil {
		mark := *patch.LastChunk
		out.LastChunk = &mark
	}
	for k, v := range patch.Extra {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = append(json.RawMessage(nil), v...)
	}

	// total-tokens >= max(input+output, context)
	total := maxInt64(patch.TotalTokens, out.TotalTokens)
	total = maxInt64(total, out.InputTokens+out.OutputTokens)
	total = maxInt64(total, out.ContextTokens)
	out.TotalTokens = total

	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// NowMillis returns the current unix-millisecond timestamp.
func NowMillis() int64 { return time.Now().UnixMilli() }
