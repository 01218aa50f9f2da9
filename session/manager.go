package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manager owns the canonical in-memory session record and is the only
// component allowed to mutate it. All external reads go through accessor
// methods so consumers always observe validated, activation-checked data.
//
// Construct one Manager per process and pass it by reference; there is no
// hidden package-level instance.
type Manager struct {
	cfg          Config
	log          *slog.Logger
	store        Store
	directory    Directory
	entitlements Entitlements
	bus          *Bus
	gate         *Gate

	// clock is replaceable in tests; production uses time.Now.
	clock func() time.Time

	mu           sync.Mutex
	desc         Descriptor
	active       bool
	resolved     *ResolvedContext
	resolvedOnce bool
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a Manager and reinstates any persisted session
// through the same validation path as a live proposal. A malformed or
// expired persisted record deactivates the session with a logged warning
// instead of failing construction; only store transport errors are
// returned.
func NewManager(
	cfg Config,
	log *slog.Logger,
	store Store,
	directory Directory,
	entitlements Entitlements,
	opts ...ManagerOption,
) (*Manager, error) {
	m := &Manager{
		cfg:          cfg,
		log:          log,
		store:        store,
		directory:    directory,
		entitlements: entitlements,
		bus:          NewBus(log, cfg.EventBuffer),
		gate:         NewGate(),
		clock:        time.Now,
		desc:         emptyDescriptor(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	persisted, err := store.Load(context.Background())
	if err != nil {
		return nil, err
	}
	if persisted != nil {
		if err := m.reinstate(*persisted); err != nil {
			m.log.Warn("session.reinstate.fail", "err", err)
			if derr := m.Deactivate(context.Background()); derr != nil {
				m.log.Warn("session.reinstate.clear_fail", "err", derr)
			}
		}
	}

	return m, nil
}

// Events exposes the lifecycle event bus.
func (m *Manager) Events() *Bus { return m.bus }

// reinstate replays a persisted record as a proposal so construction-time
// state passes the exact checks a live authentication does.
func (m *Manager) reinstate(d Descriptor) error {
	p := Proposal{
		Token:           d.Authentication.Token,
		TokenExpiration: d.Authentication.TokenExpiration,
		User:            &d.Authentication.User,
		Account:         &d.Authentication.Account,
	}
	if d.Acting.ID != "" {
		p.Acting = &d.Acting
	}
	return m.SetAuthentication(context.Background(), p)
}

// SetAuthentication validates and ingests a session proposal.
//
// A failed shape validation or an already-expired token returns an error
// and leaves existing state untouched. On success the proposal's user and
// account fields merge into the current descriptor (merge, not replace, to
// tolerate partial proposals), the session becomes active, the acting
// account is set (explicit acting field, else the authenticated account),
// and the full descriptor is persisted.
func (m *Manager) SetAuthentication(ctx context.Context, p Proposal) error {
	if err := validateProposal(p); err != nil {
		return err
	}
	if p.TokenExpiration <= m.clock().Unix() {
		return ErrTokenExpired
	}

	m.mu.Lock()
	mergeUser(&m.desc.Authentication.User, *p.User)
	mergeAccount(&m.desc.Authentication.Account, *p.Account)
	m.desc.Authentication.Token = p.Token
	m.desc.Authentication.TokenExpiration = p.TokenExpiration

	started := !m.active
	m.active = true
	acting := m.desc.Authentication.Account
	if p.Acting != nil {
		acting = *p.Acting
	}
	snapshot := m.desc
	m.mu.Unlock()

	if started {
		m.bus.publish(SessionStarted{Descriptor: snapshot})
	}
	return m.SetActingAccount(ctx, acting)
}

// SetActingAccountID resolves the account record for id through the
// directory, then applies it as the acting account.
func (m *Manager) SetActingAccountID(ctx context.Context, id string) error {
	record, err := m.directory.AccountDetails(ctx, id)
	if err != nil {
		return err
	}
	return m.SetActingAccount(ctx, record)
}

// SetActingAccount applies account as the acting account.
//
// When the acting account actually changes (or no resolution has succeeded
// yet), the resolution gate is rescinded, an ActingAccountChanging event
// fires, state is persisted, and metadata resolution runs asynchronously;
// Resolution blocks until it settles. An unchanged account with a completed
// resolution emits no events and hits no backend, but the descriptor is
// still persisted so a refreshed token or account record survives a
// restart. Requires an active session.
func (m *Manager) SetActingAccount(ctx context.Context, account AccountRecord) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}

	previous := m.desc.Acting
	changed := previous.ID != account.ID || !m.resolvedOnce

	m.desc.Acting = account
	m.desc.BoundLocationID = pickBoundLocation(m.desc.BoundLocationID, account)
	snapshot := m.desc

	if !changed {
		m.mu.Unlock()
		return m.store.Save(ctx, &snapshot)
	}

	if m.cfg.DisableResolution {
		resolved := &ResolvedContext{Acting: account}
		m.resolved = resolved
		m.resolvedOnce = true
		gen := m.gate.Rescind()
		m.mu.Unlock()

		m.bus.publish(ActingAccountChanging{Previous: previous, Next: account})
		if err := m.store.Save(ctx, &snapshot); err != nil {
			return err
		}
		m.gate.Settle(gen, resolved, nil)
		m.bus.publish(ActingAccountResolved{Context: *resolved})
		return nil
	}

	gen := m.gate.Rescind()
	primaryID := m.desc.Authentication.Account.ID
	m.mu.Unlock()

	m.bus.publish(ActingAccountChanging{Previous: previous, Next: account})
	if err := m.store.Save(ctx, &snapshot); err != nil {
		return err
	}

	go m.resolve(gen, account, primaryID)
	return nil
}

// resolve fetches acting-account metadata and settles the resolution gate.
// Failures reject the in-flight cycle and are logged; the primary session
// stays active.
func (m *Manager) resolve(gen uint64, acting AccountRecord, primaryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResolveTimeout)
	defer cancel()

	var (
		details     AccountRecord
		primaryEnts EntitlementSet
		actingEnts  EntitlementSet
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		details, err = m.directory.AccountDetails(gctx, acting.ID)
		return err
	})
	g.Go(func() error {
		var err error
		primaryEnts, err = m.entitlements.AccountEntitlements(gctx, primaryID)
		return err
	})
	if acting.ID != primaryID {
		g.Go(func() error {
			var err error
			actingEnts, err = m.entitlements.AccountEntitlements(gctx, acting.ID)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		m.log.Warn("session.resolve.fail", "account_id", acting.ID, "err", err)
		m.gate.Settle(gen, nil, fmt.Errorf("%w: %w", ErrResolutionFailed, err))
		return
	}
	if acting.ID == primaryID {
		actingEnts = primaryEnts
	}

	resolved := &ResolvedContext{
		Acting:              details,
		PrimaryEntitlements: primaryEnts,
		ActingEntitlements:  actingEnts,
	}
	resolved.Experience = m.experienceTree(ctx, details.ID)

	m.mu.Lock()
	if settled := m.gate.Settle(gen, resolved, nil); !settled {
		// A newer transition superseded this cycle; discard it.
		m.mu.Unlock()
		return
	}
	m.resolved = resolved
	m.resolvedOnce = true
	m.desc.Acting = details
	m.mu.Unlock()

	m.bus.publish(ActingAccountResolved{Context: *resolved})
}

// experienceTree captures the optional hierarchical feature tree when the
// entitlements backend supports it. Failures are non-fatal.
func (m *Manager) experienceTree(ctx context.Context, accountID string) json.RawMessage {
	xr, ok := m.entitlements.(ExperienceResolver)
	if !ok {
		return nil
	}
	tree, err := xr.ExperienceTree(ctx, accountID)
	if err != nil {
		m.log.Warn("session.resolve.experience_fail", "account_id", accountID, "err", err)
		return nil
	}
	return tree
}

// Resolution blocks until the current acting-account resolution cycle
// settles, guaranteeing the caller never observes stale metadata
// mid-transition.
func (m *Manager) Resolution(ctx context.Context) (*ResolvedContext, error) {
	return m.gate.Wait(ctx)
}

// Activate marks the session active when the stored token is still
// unexpired. Only a genuine inactive-to-active transition emits
// SessionStarted; repeated calls are idempotent.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.desc.Authentication.TokenExpiration <= m.clock().Unix() {
		m.mu.Unlock()
		return ErrTokenExpired
	}
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = true
	snapshot := m.desc
	m.mu.Unlock()

	m.bus.publish(SessionStarted{Descriptor: snapshot})
	return nil
}

// Deactivate unconditionally resets the descriptor to the null sentinel,
// clears persisted storage, and emits SessionEnded.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	m.desc = emptyDescriptor()
	m.active = false
	m.resolved = nil
	m.resolvedOnce = false
	m.gate.Rescind()
	m.mu.Unlock()

	err := m.store.Clear(ctx)
	m.bus.publish(SessionEnded{})
	return err
}

// ---- accessors ----
//
// Accessors are pure reads over the current descriptor. Accessors that only
// make sense while authenticated return zero values rather than failing
// when the session is inactive.

// Active reports whether a valid session is in effect.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot returns a copy of the current descriptor.
func (m *Manager) Snapshot() Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc
}

// Token returns the current access token, or "" when inactive.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.desc.Authentication.Token
}

// AccountID returns the primary account ID, or "" when inactive.
func (m *Manager) AccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.desc.Authentication.Account.ID
}

// ActingAccountID returns the acting account ID, or "" when inactive.
func (m *Manager) ActingAccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.desc.Acting.ID
}

// BoundLocationID returns the active regional binding, or "" when inactive.
func (m *Manager) BoundLocationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.desc.BoundLocationID
}

// User returns the authenticated user record (zero value when inactive).
func (m *Manager) User() UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return UserRecord{}
	}
	return m.desc.Authentication.User
}

// ActingAccount returns the acting account record (zero value when
// inactive).
func (m *Manager) ActingAccount() AccountRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return AccountRecord{}
	}
	return m.desc.Acting
}

// ManagedAccounts lists sub-accounts managed by the acting account. The
// list is fetched on demand rather than captured during resolution, so
// callers always see fresh data. Returns nil when the session is inactive.
func (m *Manager) ManagedAccounts(ctx context.Context, filter ManagedAccountFilter) ([]AccountRecord, error) {
	m.mu.Lock()
	actingID := ""
	if m.active {
		actingID = m.desc.Acting.ID
	}
	m.mu.Unlock()

	if actingID == "" {
		return nil, nil
	}
	return m.directory.ManagedAccounts(ctx, actingID, filter)
}

// ---- merge helpers ----

// mergeUser overlays non-zero proposal fields onto dst. Flags merge only
// when an identity field indicates the record is really present; a partial
// proposal must not silently lock or deactivate a user.
func mergeUser(dst *UserRecord, src UserRecord) {
	if src.ID != "" {
		dst.ID = src.ID
		dst.Active = src.Active
		dst.Locked = src.Locked
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Version != 0 {
		dst.Version = src.Version
	}
	if src.LinkedUsers != nil {
		dst.LinkedUsers = src.LinkedUsers
	}
	if src.Created != (Stamp{}) {
		dst.Created = src.Created
	}
	if src.Modified != (Stamp{}) {
		dst.Modified = src.Modified
	}
}

func mergeAccount(dst *AccountRecord, src AccountRecord) {
	if src.ID != "" {
		dst.ID = src.ID
		dst.Active = src.Active
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Version != 0 {
		dst.Version = src.Version
	}
	if src.AccessibleLocations != nil {
		dst.AccessibleLocations = src.AccessibleLocations
	}
	if src.DefaultLocation != "" {
		dst.DefaultLocation = src.DefaultLocation
	}
	if src.Created != (Stamp{}) {
		dst.Created = src.Created
	}
	if src.Modified != (Stamp{}) {
		dst.Modified = src.Modified
	}
}

// pickBoundLocation keeps the previous regional binding when the new acting
// account can still reach it; otherwise it falls back to the account's
// default. This prevents silently moving a user to a region they have no
// need to be in.
func pickBoundLocation(previous string, account AccountRecord) string {
	if previous != "" && slices.Contains(account.AccessibleLocations, previous) {
		return previous
	}
	return account.DefaultLocation
}
