// Package v1 defines the Atrium Session Relay Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the SDK and the relay application to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeReady is sent unsolicited by the relay once it is loaded and able
	// to serve requests (relay -> client). It carries no request id.
	TypeReady = "relay.ready"
	// TypeExternalReady announces readiness of an external regional relay
	// endpoint (relay -> client). It carries no request id.
	TypeExternalReady = "relay.external_ready"

	// TypeSessionGet asks the relay for its stored session (client -> relay).
	TypeSessionGet = "session.get"
	// TypeSessionSet stores a session at the relay (client -> relay).
	TypeSessionSet = "session.set"
	// TypeSessionDelete removes the relay's stored session (client -> relay).
	TypeSessionDelete = "session.delete"

	// TypeSettingGet reads a named global setting (client -> relay).
	TypeSettingGet = "setting.get"
	// TypeSettingSet writes a named global setting (client -> relay).
	TypeSettingSet = "setting.set"
	// TypeSettingDelete removes a named global setting (client -> relay).
	TypeSettingDelete = "setting.delete"

	// TypeResourceGet fetches a named global resource with a caching hint
	// (client -> relay).
	TypeResourceGet = "resource.get"

	// TypeError is a generic error envelope (relay -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper. Replies mirror the request's Type
// and RequestID and add operation-specific payload fields.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
//
// Readiness announcements are unsolicited and therefore exempt from the
// request-id requirement; every other type must be correlatable.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeReady, TypeExternalReady:
		return nil
	case TypeSessionGet,
		TypeSessionSet,
		TypeSessionDelete,
		TypeSettingGet,
		TypeSettingSet,
		TypeSettingDelete,
		TypeResourceGet,
		TypeError:
		if strings.TrimSpace(e.RequestID) == "" {
			return errors.New("missing field: request_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ReadyPayload accompanies TypeReady. Empty today; kept for forward
// compatibility with relay capability flags.
type ReadyPayload struct{}

// ExternalReadyPayload announces readiness of a regional relay endpoint.
type ExternalReadyPayload struct {
	LocationID string `json:"location_id"`
}

// SessionSetPayload carries the session record to store at the relay.
// The record shape is owned by the session package; the contract treats it
// as opaque JSON.
type SessionSetPayload struct {
	Session json.RawMessage `json:"session"`
}

// SessionReplyPayload is the reply to session.get and session.set.
// An absent Session on session.get means the relay holds no session; that is
// a successful outcome, not an error.
type SessionReplyPayload struct {
	Session json.RawMessage `json:"session,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ResultReplyPayload is the reply to session.delete and setting.delete.
type ResultReplyPayload struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// SettingGetPayload requests a named global setting.
type SettingGetPayload struct {
	Key string `json:"key"`
}

// SettingSetPayload writes a named global setting.
type SettingSetPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// SettingDeletePayload removes a named global setting.
type SettingDeletePayload struct {
	Key string `json:"key"`
}

// SettingReplyPayload is the reply to setting.get and setting.set.
type SettingReplyPayload struct {
	Setting json.RawMessage `json:"setting,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ResourceGetPayload fetches a named global resource. TTLSeconds is a
// caching hint for the relay, not a timeout.
type ResourceGetPayload struct {
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// ResourceReplyPayload is the reply to resource.get.
type ResourceReplyPayload struct {
	Resource json.RawMessage `json:"resource,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
