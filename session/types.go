package session

import "encoding/json"

// Stamp records who performed a change and when (unix seconds).
type Stamp struct {
	At int64  `json:"at"`
	By string `json:"by"`
}

// AccountRecord mirrors the account shape issued by the identity backend.
// The SDK never constructs new accounts; it only accepts and stores them.
type AccountRecord struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Active              bool     `json:"active"`
	Version             int64    `json:"version"`
	AccessibleLocations []string `json:"accessible_locations"`
	DefaultLocation     string   `json:"default_location"`
	Created             Stamp    `json:"created"`
	Modified            Stamp    `json:"modified"`
}

// UserRecord mirrors the user shape issued by the identity backend.
type UserRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Active      bool     `json:"active"`
	Locked      bool     `json:"locked"`
	Version     int64    `json:"version"`
	LinkedUsers []string `json:"linked_users"`
	Created     Stamp    `json:"created"`
	Modified    Stamp    `json:"modified"`
}

// Authentication is the primary credential block of a Descriptor.
// TokenExpiration is unix seconds and must be strictly in the future at the
// moment a proposal is accepted.
type Authentication struct {
	User            UserRecord    `json:"user"`
	Account         AccountRecord `json:"account"`
	Token           string        `json:"token"`
	TokenExpiration int64         `json:"token_expiration"`
}

// Descriptor is the canonical authenticated-session record. Acting is the
// account currently in focus and may differ from the account the user
// natively belongs to. The JSON shape doubles as the persisted-storage and
// relay wire shape.
type Descriptor struct {
	Authentication  Authentication `json:"authentication"`
	Acting          AccountRecord  `json:"acting"`
	BoundLocationID string         `json:"boundLocationId,omitempty"`
}

// emptyDescriptor is the null-session sentinel: zeroed placeholder fields
// with inactive markers. It replaces the live record on deactivation.
func emptyDescriptor() Descriptor {
	return Descriptor{
		Authentication: Authentication{
			User:    UserRecord{Active: false},
			Account: AccountRecord{Active: false},
		},
		Acting: AccountRecord{Active: false},
	}
}

// Entitlement indicates whether a product/feature is active for an account.
type Entitlement struct {
	ProductID string `json:"product_id"`
	Active    bool   `json:"active"`
	ExpiresAt int64  `json:"expires_at"`
}

// EntitlementSet is the collection returned by the entitlements backend.
type EntitlementSet []Entitlement

// HasActive reports whether the set contains an active entitlement for the
// given product.
func (s EntitlementSet) HasActive(productID string) bool {
	for _, e := range s {
		if e.ProductID == productID && e.Active {
			return true
		}
	}
	return false
}

// ResolvedContext is the transient result of acting-account resolution.
// It exists only between an ActingAccountChanging and ActingAccountResolved
// event pair and is superseded wholesale on each new resolution.
type ResolvedContext struct {
	Acting              AccountRecord   `json:"acting"`
	PrimaryEntitlements EntitlementSet  `json:"primary_entitlements"`
	ActingEntitlements  EntitlementSet  `json:"acting_entitlements"`
	Experience          json.RawMessage `json:"experience,omitempty"`
}

// Proposal is an inbound session candidate, typically assembled by the
// detect package from relay or authenticator discoveries. Partial user and
// account records are tolerated: accepted fields merge into the current
// descriptor rather than replacing it.
type Proposal struct {
	Token           string         `json:"token" validate:"required"`
	TokenExpiration int64          `json:"token_expiration" validate:"required"`
	User            *UserRecord    `json:"user" validate:"required"`
	Account         *AccountRecord `json:"account" validate:"required"`
	Acting          *AccountRecord `json:"acting,omitempty"`
}
