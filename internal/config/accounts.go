package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAccountID names the implicit account backed by a channel's
// top-level credentials.
const DefaultAccountID = "default"

// AccountOverride is a per-account override block under
// channels.<transport>.accounts.<id>. Empty fields inherit the channel's
// top-level values.
type AccountOverride struct {
	Enabled     *bool               `json:"enabled,omitempty"` // default true
	Token       string              `json:"token,omitempty"`
	BridgeURL   string              `json:"bridge_url,omitempty"`
	Secret      string              `json:"secret,omitempty"`
	Proxy       string              `json:"proxy,omitempty"`
	DBPath      string              `json:"db_path,omitempty"` // durable per-account path; auto-generated when empty
	AllowFrom   FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy    string              `json:"dm_policy,omitempty"`
	GroupPolicy string              `json:"group_policy,omitempty"`
}

// credential returns the value that decides whether this account "resolves".
func (a AccountOverride) credential() string {
	if a.Token != "" {
		return a.Token
	}
	return a.BridgeURL
}

// AccountSection is implemented by each channel config block that supports
// multi-account resolution.
type AccountSection interface {
	ChannelName() string
	// Defaults returns the channel's top-level values expressed as an
	// override block. Its credential decides whether the default account
	// exists.
	Defaults() AccountOverride
	AccountMap() map[string]AccountOverride
}

func (t TelegramConfig) ChannelName() string { return "telegram" }
func (t TelegramConfig) Defaults() AccountOverride {
	return AccountOverride{
		Token:       t.Token,
		Proxy:       t.Proxy,
		AllowFrom:   t.AllowFrom,
		DMPolicy:    t.DMPolicy,
		GroupPolicy: t.GroupPolicy,
	}
}
func (t TelegramConfig) AccountMap() map[string]AccountOverride { return t.Accounts }

func (d DiscordConfig) ChannelName() string { return "discord" }
func (d DiscordConfig) Defaults() AccountOverride {
	return AccountOverride{
		Token:       d.Token,
		AllowFrom:   d.AllowFrom,
		DMPolicy:    d.DMPolicy,
		GroupPolicy: d.GroupPolicy,
	}
}
func (d DiscordConfig) AccountMap() map[string]AccountOverride { return d.Accounts }

func (w WhatsAppConfig) ChannelName() string { return "whatsapp" }
func (w WhatsAppConfig) Defaults() AccountOverride {
	return AccountOverride{
		BridgeURL:   w.BridgeURL,
		AllowFrom:   w.AllowFrom,
		DMPolicy:    w.DMPolicy,
		GroupPolicy: w.GroupPolicy,
	}
}
func (w WhatsAppConfig) AccountMap() map[string]AccountOverride { return w.Accounts }

func (w WebhookConfig) ChannelName() string { return "webhook" }
func (w WebhookConfig) Defaults() AccountOverride {
	return AccountOverride{
		Token:     w.Secret,
		AllowFrom: w.AllowFrom,
	}
}
func (w WebhookConfig) AccountMap() map[string]AccountOverride { return w.Accounts }

// ResolvedAccount is the effective per-account config after merging the
// channel's top-level defaults with the account's override block.
type ResolvedAccount struct {
	ID          string
	Channel     string
	Enabled     bool
	Token       string
	BridgeURL   string
	Secret      string
	Proxy       string
	DBPath      string
	AllowFrom   []string
	DMPolicy    string
	GroupPolicy string
}

// ListAccountIDs returns the union of the default account (present iff the
// top-level credentials resolve) and the named accounts, sorted with
// "default" first.
func ListAccountIDs(sec AccountSection) []string {
	var ids []string
	_, hasDefaultOverride := sec.AccountMap()[DefaultAccountID]
	if sec.Defaults().credential() != "" || hasDefaultOverride {
		ids = append(ids, DefaultAccountID)
	}
	named := make([]string, 0, len(sec.AccountMap()))
	for id := range sec.AccountMap() {
		if id == DefaultAccountID {
			continue
		}
		named = append(named, id)
	}
	sort.Strings(named)
	return append(ids, named...)
}

// ResolveDefaultAccountID returns "default" if the top-level credentials
// resolve, else the first named account, else "".
func ResolveDefaultAccountID(sec AccountSection) string {
	ids := ListAccountIDs(sec)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// NormalizeAccountID strips an optional "<transport>:" prefix and maps the
// empty ID to the default account.
func NormalizeAccountID(sec AccountSection, raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, sec.ChannelName()+":")
	if id == "" {
		return ResolveDefaultAccountID(sec)
	}
	return id
}

// ResolveAccount merges the channel's top-level defaults with the account's
// overrides. Named accounts without an explicit dbPath receive a unique
// auto-generated path under <stateDir>/accounts/<id>/db. Returns false when
// the account does not exist.
func ResolveAccount(sec AccountSection, stateDir, accountID string) (*ResolvedAccount, bool) {
	id := NormalizeAccountID(sec, accountID)
	if id == "" {
		return nil, false
	}

	def := sec.Defaults()
	ov, named := sec.AccountMap()[id]
	if id == DefaultAccountID {
		if def.credential() == "" && !named {
			return nil, false
		}
	} else if !named {
		return nil, false
	}

	r := &ResolvedAccount{
		ID:          id,
		Channel:     sec.ChannelName(),
		Enabled:     ov.Enabled == nil || *ov.Enabled,
		Token:       def.Token,
		BridgeURL:   def.BridgeURL,
		Secret:      def.Secret,
		Proxy:       def.Proxy,
		DBPath:      def.DBPath,
		AllowFrom:   def.AllowFrom,
		DMPolicy:    def.DMPolicy,
		GroupPolicy: def.GroupPolicy,
	}
	if ov.Token != "" {
		r.Token = ov.Token
	}
	if ov.BridgeURL != "" {
		r.BridgeURL = ov.BridgeURL
	}
	if ov.Secret != "" {
		r.Secret = ov.Secret
	}
	if ov.Proxy != "" {
		r.Proxy = ov.Proxy
	}
	if ov.DBPath != "" {
		r.DBPath = ov.DBPath
	}
	if len(ov.AllowFrom) > 0 {
		r.AllowFrom = ov.AllowFrom
	}
	if ov.DMPolicy != "" {
		r.DMPolicy = ov.DMPolicy
	}
	if ov.GroupPolicy != "" {
		r.GroupPolicy = ov.GroupPolicy
	}

	if r.DBPath == "" {
		if id == DefaultAccountID {
			r.DBPath = filepath.Join(stateDir, "db")
		} else {
			r.DBPath = filepath.Join(stateDir, "accounts", id, "db")
		}
	}
	return r, true
}

// AccountEnabled reports whether the account exists and is not explicitly
// disabled.
func AccountEnabled(sec AccountSection, accountID string) bool {
	r, ok := ResolveAccount(sec, "", accountID)
	return ok && r.Enabled
}

// ValidateMultiAccount checks a channel's account set for duplicate
// credentials and duplicate durable paths. Mixed network environments (some
// accounts behind a proxy, some direct) produce a warning, not an error.
func ValidateMultiAccount(sec AccountSection, stateDir string) (errs []error, warnings []string) {
	name := sec.ChannelName()
	byCred := map[string][]string{}
	byPath := map[string][]string{}
	var proxied, direct []string

	for _, id := range ListAccountIDs(sec) {
		r, ok := ResolveAccount(sec, stateDir, id)
		if !ok {
			continue
		}
		if cred := r.Token; cred != "" {
			byCred[cred] = append(byCred[cred], id)
		} else if r.BridgeURL != "" {
			byCred[r.BridgeURL] = append(byCred[r.BridgeURL], id)
		}
		byPath[r.DBPath] = append(byPath[r.DBPath], id)
		if r.Proxy != "" {
			proxied = append(proxied, id)
		} else {
			direct = append(direct, id)
		}
	}

	for _, ids := range byCred {
		if len(ids) > 1 {
			sort.Strings(ids)
			errs = append(errs, fmt.Errorf("channels.%s: accounts %s share the same credentials", name, strings.Join(ids, ", ")))
		}
	}
	for path, ids := range byPath {
		if len(ids) > 1 {
			sort.Strings(ids)
			errs = append(errs, fmt.Errorf("channels.%s: accounts %s share the same db path %s", name, strings.Join(ids, ", "), path))
		}
	}
	if len(proxied) > 0 && len(direct) > 0 {
		sort.Strings(proxied)
		sort.Strings(direct)
		warnings = append(warnings, fmt.Sprintf(
			"channels.%s: mixed network environment: accounts %s use a proxy while %s connect directly",
			name, strings.Join(proxied, ", "), strings.Join(direct, ", ")))
	}
	return errs, warnings
}
