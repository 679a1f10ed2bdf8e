// Package domain defines the core data types shared across the circlejoin
// server, stores, moderation workflow and connection registry.
package domain

// Decision tokens stored in place of a pending payload once a request has
// been moderated.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Request status values reported to the requesting identity.
const (
	StatusNone    = "none"
	StatusPending = "pending"
)

// ResourceIDPrefix is prepended to the six-character id extracted from a
// submitted URL.
const ResourceIDPrefix = "t3_"

// BanKeySuffix is appended to an identity to form its ban flag key.
const BanKeySuffix = ":banned"

// PendingPayload is the stored value of an unresolved circle request.
type PendingPayload struct {
	ResourceID string `json:"id"`
	Key        string `json:"key"`
}

// PendingRequest is a pending payload together with the identity that
// submitted it, as returned to administrators.
type PendingRequest struct {
	Identity   string `json:"username"`
	ResourceID string `json:"id"`
	Key        string `json:"key"`
}

// IsDecision reports whether v is one of the terminal decision tokens.
func IsDecision(v string) bool {
	return v == DecisionApprove || v == DecisionDeny
}

// BanKey returns the key-value key holding the ban flag for identity.
func BanKey(identity string) string {
	return identity + BanKeySuffix
}
