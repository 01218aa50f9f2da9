package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"atrium/relay"
	"atrium/session"
)

// Identity is the result of an ambient-credential probe: a token the
// environment already holds, plus whatever record detail the prober could
// cheaply attach. Missing records are filled in via token introspection.
type Identity struct {
	Token           string
	TokenExpiration int64
	User            *session.UserRecord
	Account         *session.AccountRecord
}

// Authenticator probes the environment for ambient credentials (an SSO
// cookie, an injected service token). The second return reports whether
// anything was found; an error means the probe itself failed.
type Authenticator interface {
	Probe(ctx context.Context) (Identity, bool, error)
}

// Detector resolves whether a session already exists anywhere reachable
// and, if so, adopts it into the manager.
type Detector struct {
	log       *slog.Logger
	manager   *session.Manager
	relay     *relay.Client
	directory session.Directory
	auth      Authenticator

	group singleflight.Group
}

// NewDetector wires a detector. Relay and auth are optional; a nil source
// is skipped in the priority walk.
func NewDetector(log *slog.Logger, m *session.Manager, rc *relay.Client, dir session.Directory, auth Authenticator) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{log: log, manager: m, relay: rc, directory: dir, auth: auth}
}

// Detect reports whether a session exists, adopting the first one found.
// Concurrent calls share a single underlying pass.
func (d *Detector) Detect(ctx context.Context) bool {
	v, _, _ := d.group.Do("detect", func() (any, error) {
		return d.detect(ctx), nil
	})
	found, _ := v.(bool)
	return found
}

func (d *Detector) detect(ctx context.Context) bool {
	if d.manager.Active() {
		return true
	}

	if d.relay != nil {
		if found, decided := d.fromRelay(ctx); decided {
			return found
		}
	}

	if d.auth != nil {
		return d.fromProbe(ctx)
	}

	return false
}

// relaySession mirrors the session record the relay stores. Only the
// fields detection needs are decoded; the rest of the blob is opaque.
type relaySession struct {
	Token           string                 `json:"token"`
	TokenExpiration int64                  `json:"token_expiration"`
	User            *session.UserRecord    `json:"user"`
	Account         *session.AccountRecord `json:"account"`
	Acting          *session.AccountRecord `json:"acting"`
}

// fromRelay consults the relay's stored session. The second return is true
// when the relay gave a definitive answer: a session was found (valid or
// not), so later sources must not run. An absent session or an unreachable
// relay falls through.
func (d *Detector) fromRelay(ctx context.Context) (found, decided bool) {
	raw, err := d.relay.GetSession(ctx)
	if err != nil {
		d.log.Warn("detect.relay.unavailable", "err", err)
		return false, false
	}
	if len(raw) == 0 {
		return false, false
	}

	var rec relaySession
	if err := json.Unmarshal(raw, &rec); err != nil {
		d.log.Warn("detect.relay.malformed", "err", err)
		return false, true
	}
	if strings.TrimSpace(rec.Token) == "" {
		d.log.Warn("detect.relay.malformed", "err", "missing token")
		return false, true
	}

	p, err := d.normalize(ctx, Identity{
		Token:           rec.Token,
		TokenExpiration: rec.TokenExpiration,
		User:            rec.User,
		Account:         rec.Account,
	})
	if err != nil {
		d.log.Warn("detect.relay.invalid", "err", err)
		return false, true
	}
	p.Acting = rec.Acting

	if err := d.manager.SetAuthentication(ctx, p); err != nil {
		d.log.Warn("detect.relay.rejected", "err", err)
		return false, true
	}

	d.log.Info("detect.found", "source", "relay")
	return true, true
}

func (d *Detector) fromProbe(ctx context.Context) bool {
	id, ok, err := d.auth.Probe(ctx)
	if err != nil {
		d.log.Warn("detect.probe.fail", "err", err)
		return false
	}
	if !ok {
		return false
	}

	p, err := d.normalize(ctx, id)
	if err != nil {
		d.log.Warn("detect.probe.invalid", "err", err)
		return false
	}

	if err := d.manager.SetAuthentication(ctx, p); err != nil {
		d.log.Warn("detect.probe.rejected", "err", err)
		return false
	}

	d.log.Info("detect.found", "source", "probe")
	return true
}

// normalize turns a discovered identity into a full proposal, deriving the
// expiry from the token itself and filling missing records via token
// introspection.
func (d *Detector) normalize(ctx context.Context, id Identity) (session.Proposal, error) {
	p := session.Proposal{
		Token:           id.Token,
		TokenExpiration: id.TokenExpiration,
		User:            id.User,
		Account:         id.Account,
	}

	if p.TokenExpiration == 0 {
		p.TokenExpiration = session.TokenExpiry(id.Token, d.log)
	}

	if p.User == nil || p.Account == nil {
		info, err := d.directory.TokenInfo(ctx, id.Token)
		if err != nil {
			return session.Proposal{}, err
		}
		if p.User == nil {
			u := info.User
			p.User = &u
		}
		if p.Account == nil {
			a := info.Account
			p.Account = &a
		}
		if p.TokenExpiration == 0 {
			p.TokenExpiration = info.TokenExpiration
		}
	}

	return p, nil
}
