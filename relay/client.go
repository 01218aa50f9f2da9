package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "atrium/contracts/relay/v1"
)

// Client is the typed operation layer over a shared Transport. Construct
// one Client per consumer; all of them multiplex over the same channel.
type Client struct {
	t   *Transport
	cfg Config
}

// NewClient wraps a started Transport.
func NewClient(t *Transport) *Client {
	return &Client{t: t, cfg: t.cfg}
}

// Start registers this consumer with the underlying transport.
func (c *Client) Start(ctx context.Context) error {
	return c.t.Start(ctx)
}

// Stop releases this consumer.
func (c *Client) Stop() {
	c.t.Stop()
}

// AwaitExternalReady blocks until the external endpoint for the given
// location announces readiness.
func (c *Client) AwaitExternalReady(ctx context.Context, locationID string) error {
	return c.t.AwaitExternalReady(ctx, locationID)
}

// GetSession fetches the relay's stored session. A nil result with a nil
// error means the relay holds no session.
func (c *Client) GetSession(ctx context.Context) (json.RawMessage, error) {
	reply, err := c.t.Request(ctx, v1.TypeSessionGet, struct{}{}, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var p v1.SessionReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return nil, err
	}
	if p.Error != "" {
		return nil, fmt.Errorf("%w: session.get: %s", ErrRelay, p.Error)
	}
	if len(p.Session) == 0 || string(p.Session) == "null" {
		return nil, nil
	}
	return p.Session, nil
}

// SetSession stores a session record at the relay.
func (c *Client) SetSession(ctx context.Context, session json.RawMessage) error {
	reply, err := c.t.Request(ctx, v1.TypeSessionSet, v1.SessionSetPayload{Session: session}, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	var p v1.SessionReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return err
	}
	if p.Error != "" {
		return fmt.Errorf("%w: session.set: %s", ErrRelay, p.Error)
	}
	return nil
}

// DeleteSession removes the relay's stored session. The result reports
// whether a session existed.
func (c *Client) DeleteSession(ctx context.Context) (bool, error) {
	reply, err := c.t.Request(ctx, v1.TypeSessionDelete, struct{}{}, c.cfg.RequestTimeout)
	if err != nil {
		return false, err
	}
	var p v1.ResultReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return false, err
	}
	if p.Error != "" {
		return false, fmt.Errorf("%w: session.delete: %s", ErrRelay, p.Error)
	}
	return p.Result, nil
}

// GlobalSetting reads a named cross-application setting.
func (c *Client) GlobalSetting(ctx context.Context, key string) (json.RawMessage, error) {
	reply, err := c.t.Request(ctx, v1.TypeSettingGet, v1.SettingGetPayload{Key: key}, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var p v1.SettingReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return nil, err
	}
	if p.Error != "" {
		return nil, fmt.Errorf("%w: setting.get %q: %s", ErrRelay, key, p.Error)
	}
	return p.Setting, nil
}

// SetGlobalSetting writes a named cross-application setting.
func (c *Client) SetGlobalSetting(ctx context.Context, key string, value json.RawMessage) error {
	reply, err := c.t.Request(ctx, v1.TypeSettingSet, v1.SettingSetPayload{Key: key, Value: value}, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	var p v1.SettingReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return err
	}
	if p.Error != "" {
		return fmt.Errorf("%w: setting.set %q: %s", ErrRelay, key, p.Error)
	}
	return nil
}

// DeleteGlobalSetting removes a named cross-application setting.
func (c *Client) DeleteGlobalSetting(ctx context.Context, key string) (bool, error) {
	reply, err := c.t.Request(ctx, v1.TypeSettingDelete, v1.SettingDeletePayload{Key: key}, c.cfg.RequestTimeout)
	if err != nil {
		return false, err
	}
	var p v1.ResultReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return false, err
	}
	if p.Error != "" {
		return false, fmt.Errorf("%w: setting.delete %q: %s", ErrRelay, key, p.Error)
	}
	return p.Result, nil
}

// GlobalResource fetches a named resource with a relay-side caching hint.
// Resource fetches use the shorter resource timeout: they can legitimately
// fail and callers must not hang on them.
func (c *Client) GlobalResource(ctx context.Context, name string, ttl time.Duration) (json.RawMessage, error) {
	payload := v1.ResourceGetPayload{Name: name}
	if ttl > 0 {
		payload.TTLSeconds = int(ttl / time.Second)
	}
	reply, err := c.t.Request(ctx, v1.TypeResourceGet, payload, c.cfg.ResourceTimeout)
	if err != nil {
		return nil, err
	}
	var p v1.ResourceReplyPayload
	if err := c.decodeReply(reply, &p); err != nil {
		return nil, err
	}
	if p.Error != "" {
		return nil, fmt.Errorf("%w: %q: %s", ErrNoResource, name, p.Error)
	}
	if len(p.Resource) == 0 || string(p.Resource) == "null" {
		return nil, fmt.Errorf("%w: %q", ErrNoResource, name)
	}
	return p.Resource, nil
}

// decodeReply unwraps a reply envelope into the expected payload shape,
// translating generic error envelopes along the way.
func (c *Client) decodeReply(reply v1.Envelope, out any) error {
	if reply.Type == v1.TypeError {
		var p v1.ErrorPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			return fmt.Errorf("%w: malformed error payload", ErrRelay)
		}
		return fmt.Errorf("%w: %s: %s", ErrRelay, p.Code, p.Message)
	}
	if len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("%w: malformed reply payload: %v", ErrRelay, err)
	}
	return nil
}
