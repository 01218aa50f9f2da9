package session

import (
	"context"
	"encoding/json"
)

// TokenInfo is the identity backend's token-introspection result.
type TokenInfo struct {
	User            UserRecord    `json:"user"`
	Account         AccountRecord `json:"account"`
	TokenExpiration int64         `json:"token_expiration"`
}

// ManagedAccountFilter narrows a managed-accounts query.
type ManagedAccountFilter struct {
	Name       string `json:"name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// Directory is the external identity backend contract. Implementations talk
// to the Atrium identity service; the SDK only consumes the results.
type Directory interface {
	// Authenticate exchanges credentials for a full session descriptor.
	Authenticate(ctx context.Context, username, password, mfaCode string) (Descriptor, error)

	// AuthenticateWithSessionToken exchanges an existing session token
	// (plus an MFA code when step-up is required) for a descriptor.
	AuthenticateWithSessionToken(ctx context.Context, token, mfaCode string) (Descriptor, error)

	// TokenInfo introspects an access token.
	TokenInfo(ctx context.Context, accessToken string) (TokenInfo, error)

	// AccountDetails fetches the full record for an account ID.
	AccountDetails(ctx context.Context, accountID string) (AccountRecord, error)

	// ManagedAccounts lists sub-accounts managed by the given account.
	ManagedAccounts(ctx context.Context, accountID string, filter ManagedAccountFilter) ([]AccountRecord, error)
}

// Entitlements is the external entitlements backend contract.
type Entitlements interface {
	AccountEntitlements(ctx context.Context, accountID string) (EntitlementSet, error)
}

// ExperienceResolver is an optional capability of an Entitlements
// implementation. When present, acting-account resolution also captures the
// hierarchical experience tree; failures there are non-fatal.
type ExperienceResolver interface {
	ExperienceTree(ctx context.Context, accountID string) (json.RawMessage, error)
}
