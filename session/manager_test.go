package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const eventGrace = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectory is an in-memory identity backend.
type fakeDirectory struct {
	mu          sync.Mutex
	accounts    map[string]AccountRecord
	managed     map[string][]AccountRecord
	detailCalls int
	detailErr   error
}

func newFakeDirectory(accounts ...AccountRecord) *fakeDirectory {
	d := &fakeDirectory{
		accounts: make(map[string]AccountRecord),
		managed:  make(map[string][]AccountRecord),
	}
	for _, a := range accounts {
		d.accounts[a.ID] = a
	}
	return d
}

func (d *fakeDirectory) Authenticate(ctx context.Context, username, password, mfaCode string) (Descriptor, error) {
	return Descriptor{}, errors.New("not supported in tests")
}

func (d *fakeDirectory) AuthenticateWithSessionToken(ctx context.Context, token, mfaCode string) (Descriptor, error) {
	return Descriptor{}, errors.New("not supported in tests")
}

func (d *fakeDirectory) TokenInfo(ctx context.Context, accessToken string) (TokenInfo, error) {
	return TokenInfo{}, errors.New("not supported in tests")
}

func (d *fakeDirectory) AccountDetails(ctx context.Context, accountID string) (AccountRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detailCalls++
	if d.detailErr != nil {
		return AccountRecord{}, d.detailErr
	}
	a, ok := d.accounts[accountID]
	if !ok {
		return AccountRecord{}, fmt.Errorf("unknown account: %s", accountID)
	}
	return a, nil
}

func (d *fakeDirectory) ManagedAccounts(ctx context.Context, accountID string, filter ManagedAccountFilter) ([]AccountRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.managed[accountID], nil
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detailCalls
}

// fakeEntitlements is an in-memory entitlements backend.
type fakeEntitlements struct {
	mu    sync.Mutex
	sets  map[string]EntitlementSet
	calls int
	err   error
}

func (e *fakeEntitlements) AccountEntitlements(ctx context.Context, accountID string) (EntitlementSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.sets[accountID], nil
}

// fakeExperienceEntitlements additionally serves an experience tree.
type fakeExperienceEntitlements struct {
	fakeEntitlements
	tree json.RawMessage
}

func (e *fakeExperienceEntitlements) ExperienceTree(ctx context.Context, accountID string) (json.RawMessage, error) {
	return e.tree, nil
}

func testAccount(id string) AccountRecord {
	return AccountRecord{
		ID:                  id,
		Name:                "Account " + id,
		Active:              true,
		Version:             1,
		AccessibleLocations: []string{"loc-east"},
		DefaultLocation:     "loc-east",
	}
}

func testProposal(token string, account AccountRecord, expiry int64) Proposal {
	return Proposal{
		Token:           token,
		TokenExpiration: expiry,
		User: &UserRecord{
			ID:     "u1",
			Name:   "Pat Doe",
			Email:  "pat@atrium.example",
			Active: true,
		},
		Account: &account,
	}
}

func newTestManager(t *testing.T, cfg Config, dir Directory, ents Entitlements, store Store) *Manager {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	m, err := NewManager(cfg, testLogger(), store, dir, ents)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func awaitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(eventGrace):
		t.Fatalf("timeout waiting for event")
		return nil
	}
}

func futureExpiry() int64 {
	return time.Now().Add(time.Hour).Unix()
}

func TestSetAuthenticationActivatesAndResolves(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	ents := &fakeEntitlements{sets: map[string]EntitlementSet{
		"a1": {{ProductID: "chat", Active: true}},
	}}
	m := newTestManager(t, DefaultConfig(), dir, ents, nil)

	events, cancel := m.Events().Subscribe(16)
	defer cancel()

	if err := m.SetAuthentication(context.Background(), testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}

	if !m.Active() {
		t.Fatalf("expected active session")
	}
	if got := m.Token(); got != "t1" {
		t.Fatalf("token: got=%q want=%q", got, "t1")
	}
	if got := m.ActingAccountID(); got != "a1" {
		t.Fatalf("acting account: got=%q want=%q", got, "a1")
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), eventGrace)
	defer cancelCtx()
	resolved, err := m.Resolution(ctx)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if resolved.Acting.ID != "a1" {
		t.Fatalf("resolved acting: got=%q want=%q", resolved.Acting.ID, "a1")
	}
	if !resolved.ActingEntitlements.HasActive("chat") {
		t.Fatalf("expected active chat entitlement")
	}

	// Started, then Changing, then Resolved; never Resolved before Changing.
	if _, ok := awaitEvent(t, events).(SessionStarted); !ok {
		t.Fatalf("expected SessionStarted first")
	}
	if _, ok := awaitEvent(t, events).(ActingAccountChanging); !ok {
		t.Fatalf("expected ActingAccountChanging second")
	}
	if _, ok := awaitEvent(t, events).(ActingAccountResolved); !ok {
		t.Fatalf("expected ActingAccountResolved third")
	}
}

func TestSetAuthenticationRejectsExpiredToken(t *testing.T) {
	a1 := testAccount("a1")
	m := newTestManager(t, DefaultConfig(), newFakeDirectory(a1), &fakeEntitlements{}, nil)

	err := m.SetAuthentication(context.Background(), testProposal("t1", a1, time.Now().Add(-time.Minute).Unix()))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if m.Active() {
		t.Fatalf("expired proposal must not activate the session")
	}
	if got := m.Token(); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestSetAuthenticationRejectsMalformedProposal(t *testing.T) {
	a1 := testAccount("a1")
	m := newTestManager(t, DefaultConfig(), newFakeDirectory(a1), &fakeEntitlements{}, nil)

	p := testProposal("t1", a1, futureExpiry())
	p.User.Email = ""

	err := m.SetAuthentication(context.Background(), p)
	if !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal, got %v", err)
	}
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if m.Active() {
		t.Fatalf("malformed proposal must not activate the session")
	}
}

func TestSetAuthenticationMergePreservesFields(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	store := NewMemoryStore()
	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	ctx := context.Background()

	first := testProposal("t1", a1, futureExpiry())
	first.User.LinkedUsers = []string{"u2"}
	first.User.Version = 7
	if err := m.SetAuthentication(ctx, first); err != nil {
		t.Fatalf("first SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("first Resolution: %v", err)
	}

	// A later proposal without the optional fields must not wipe them.
	second := testProposal("t2", a1, futureExpiry())
	if err := m.SetAuthentication(ctx, second); err != nil {
		t.Fatalf("second SetAuthentication: %v", err)
	}

	u := m.User()
	if u.Version != 7 {
		t.Fatalf("user version lost in merge: got=%d want=7", u.Version)
	}
	if len(u.LinkedUsers) != 1 || u.LinkedUsers[0] != "u2" {
		t.Fatalf("linked users lost in merge: got=%v", u.LinkedUsers)
	}
	if got := m.Token(); got != "t2" {
		t.Fatalf("token not replaced: got=%q want=%q", got, "t2")
	}

	// The refreshed token must reach the store even though the acting
	// account did not change; a restart would otherwise reinstate "t1".
	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted == nil {
		t.Fatalf("no persisted record after re-authentication")
	}
	if got := persisted.Authentication.Token; got != "t2" {
		t.Fatalf("persisted token: got=%q want=%q", got, "t2")
	}
}

func TestSetActingAccountUnchangedIsNoOp(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	ents := &fakeEntitlements{sets: map[string]EntitlementSet{}}
	m := newTestManager(t, DefaultConfig(), dir, ents, nil)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}

	before := dir.callCount()

	events, cancel := m.Events().Subscribe(16)
	defer cancel()

	if err := m.SetActingAccount(ctx, a1); err != nil {
		t.Fatalf("SetActingAccount: %v", err)
	}

	if got := dir.callCount(); got != before {
		t.Fatalf("no-op transition hit the directory: calls %d -> %d", before, got)
	}
	select {
	case ev := <-events:
		t.Fatalf("no-op transition emitted %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetActingAccountRequiresActiveSession(t *testing.T) {
	a1 := testAccount("a1")
	m := newTestManager(t, DefaultConfig(), newFakeDirectory(a1), &fakeEntitlements{}, nil)

	err := m.SetActingAccount(context.Background(), a1)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestActingAccountSwitch(t *testing.T) {
	a1 := testAccount("a1")
	a2 := testAccount("a2")
	a2.AccessibleLocations = []string{"loc-east", "loc-west"}
	a2.DefaultLocation = "loc-west"

	dir := newFakeDirectory(a1, a2)
	ents := &fakeEntitlements{sets: map[string]EntitlementSet{
		"a1": {{ProductID: "chat", Active: true}},
		"a2": {{ProductID: "billing", Active: true}},
	}}
	store := NewMemoryStore()
	m := newTestManager(t, DefaultConfig(), dir, ents, store)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("initial Resolution: %v", err)
	}

	if err := m.SetActingAccountID(ctx, "a2"); err != nil {
		t.Fatalf("SetActingAccountID: %v", err)
	}

	resolved, err := m.Resolution(ctx)
	if err != nil {
		t.Fatalf("Resolution after switch: %v", err)
	}
	if resolved.Acting.ID != "a2" {
		t.Fatalf("resolved acting: got=%q want=%q", resolved.Acting.ID, "a2")
	}
	if !resolved.PrimaryEntitlements.HasActive("chat") {
		t.Fatalf("primary entitlements lost on switch")
	}
	if !resolved.ActingEntitlements.HasActive("billing") {
		t.Fatalf("acting entitlements missing after switch")
	}

	if got := m.AccountID(); got != "a1" {
		t.Fatalf("primary account changed by switch: got=%q", got)
	}
	if got := m.ActingAccountID(); got != "a2" {
		t.Fatalf("acting account: got=%q want=%q", got, "a2")
	}

	// a2 can still reach loc-east, so the binding must not move.
	if got := m.BoundLocationID(); got != "loc-east" {
		t.Fatalf("bound location moved: got=%q want=%q", got, "loc-east")
	}

	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted == nil || persisted.Acting.ID != "a2" {
		t.Fatalf("switch not persisted: %+v", persisted)
	}
}

func TestBoundLocationFallsBackToDefault(t *testing.T) {
	a1 := testAccount("a1")
	a1.AccessibleLocations = []string{"loc-east"}
	a1.DefaultLocation = "loc-east"

	a2 := testAccount("a2")
	a2.AccessibleLocations = []string{"loc-west"}
	a2.DefaultLocation = "loc-west"

	dir := newFakeDirectory(a1, a2)
	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, nil)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if got := m.BoundLocationID(); got != "loc-east" {
		t.Fatalf("initial bound location: got=%q want=%q", got, "loc-east")
	}

	if err := m.SetActingAccountID(ctx, "a2"); err != nil {
		t.Fatalf("SetActingAccountID: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution after switch: %v", err)
	}

	if got := m.BoundLocationID(); got != "loc-west" {
		t.Fatalf("bound location: got=%q want=%q", got, "loc-west")
	}
}

func TestResolutionFailureKeepsSessionActive(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	ents := &fakeEntitlements{err: errors.New("entitlements backend down")}
	m := newTestManager(t, DefaultConfig(), dir, ents, nil)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}

	if _, err := m.Resolution(ctx); !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
	if !m.Active() {
		t.Fatalf("resolution failure must not deactivate the session")
	}
	if got := m.Token(); got != "t1" {
		t.Fatalf("token lost on resolution failure: got=%q", got)
	}
}

func TestDisableResolutionShortCircuits(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	ents := &fakeEntitlements{}

	cfg := DefaultConfig()
	cfg.DisableResolution = true
	m := newTestManager(t, cfg, dir, ents, nil)

	events, cancel := m.Events().Subscribe(16)
	defer cancel()

	ctx := context.Background()
	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}

	resolved, err := m.Resolution(ctx)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if resolved.Acting.ID != "a1" {
		t.Fatalf("resolved acting: got=%q want=%q", resolved.Acting.ID, "a1")
	}
	if len(resolved.ActingEntitlements) != 0 || len(resolved.PrimaryEntitlements) != 0 {
		t.Fatalf("disabled resolution must not carry entitlements")
	}
	if dir.callCount() != 0 {
		t.Fatalf("disabled resolution hit the directory")
	}

	// The event stream stays uniform: both transition events still fire.
	if _, ok := awaitEvent(t, events).(SessionStarted); !ok {
		t.Fatalf("expected SessionStarted")
	}
	if _, ok := awaitEvent(t, events).(ActingAccountChanging); !ok {
		t.Fatalf("expected ActingAccountChanging")
	}
	if _, ok := awaitEvent(t, events).(ActingAccountResolved); !ok {
		t.Fatalf("expected ActingAccountResolved")
	}
}

func TestExperienceTreeCaptured(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	ents := &fakeExperienceEntitlements{tree: json.RawMessage(`{"root":["chat"]}`)}
	m := newTestManager(t, DefaultConfig(), dir, ents, nil)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	resolved, err := m.Resolution(ctx)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if string(resolved.Experience) != `{"root":["chat"]}` {
		t.Fatalf("experience tree: got=%s", resolved.Experience)
	}
}

func TestDeactivateClearsEverything(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	store := NewMemoryStore()
	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}

	events, cancel := m.Events().Subscribe(16)
	defer cancel()

	if err := m.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	if m.Active() {
		t.Fatalf("still active after Deactivate")
	}
	if got := m.Token(); got != "" {
		t.Fatalf("token survived Deactivate: %q", got)
	}
	if got := m.ActingAccountID(); got != "" {
		t.Fatalf("acting account survived Deactivate: %q", got)
	}

	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted != nil {
		t.Fatalf("persisted record survived Deactivate")
	}

	if _, ok := awaitEvent(t, events).(SessionEnded); !ok {
		t.Fatalf("expected SessionEnded")
	}
}

func TestActivateIdempotent(t *testing.T) {
	a1 := testAccount("a1")
	m := newTestManager(t, DefaultConfig(), newFakeDirectory(a1), &fakeEntitlements{}, nil)
	ctx := context.Background()

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}

	events, cancel := m.Events().Subscribe(16)
	defer cancel()

	if err := m.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("re-activation emitted %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReinstateFromStore(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	if err := first.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := first.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}

	second := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	if !second.Active() {
		t.Fatalf("persisted session not reinstated")
	}
	if got := second.Token(); got != "t1" {
		t.Fatalf("reinstated token: got=%q want=%q", got, "t1")
	}
	if got := second.ActingAccountID(); got != "a1" {
		t.Fatalf("reinstated acting account: got=%q want=%q", got, "a1")
	}
}

func TestReinstateExpiredRecordDeactivates(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	store := NewMemoryStore()
	ctx := context.Background()

	expired := &Descriptor{
		Authentication: Authentication{
			User:            UserRecord{ID: "u1", Name: "Pat Doe", Email: "pat@atrium.example", Active: true},
			Account:         a1,
			Token:           "stale",
			TokenExpiration: time.Now().Add(-time.Hour).Unix(),
		},
		Acting: a1,
	}
	if err := store.Save(ctx, expired); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	if m.Active() {
		t.Fatalf("expired persisted record must not reinstate")
	}

	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted != nil {
		t.Fatalf("expired record not cleared from store")
	}
}

func TestReinstateMalformedRecordDeactivates(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	store := NewMemoryStore()
	ctx := context.Background()

	// A record with no account under authentication fails proposal
	// validation during reinstatement.
	malformed := &Descriptor{
		Authentication: Authentication{
			User:            UserRecord{ID: "u1", Name: "Pat Doe", Email: "pat@atrium.example", Active: true},
			Token:           "t1",
			TokenExpiration: futureExpiry(),
		},
	}
	if err := store.Save(ctx, malformed); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, store)
	if m.Active() {
		t.Fatalf("malformed persisted record must not reinstate")
	}

	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted != nil {
		t.Fatalf("malformed record not cleared from store")
	}
}

func TestManagedAccounts(t *testing.T) {
	a1 := testAccount("a1")
	dir := newFakeDirectory(a1)
	dir.managed["a1"] = []AccountRecord{testAccount("a1-sub1"), testAccount("a1-sub2")}
	m := newTestManager(t, DefaultConfig(), dir, &fakeEntitlements{}, nil)
	ctx := context.Background()

	got, err := m.ManagedAccounts(ctx, ManagedAccountFilter{})
	if err != nil {
		t.Fatalf("ManagedAccounts (inactive): %v", err)
	}
	if got != nil {
		t.Fatalf("inactive session returned managed accounts")
	}

	if err := m.SetAuthentication(ctx, testProposal("t1", a1, futureExpiry())); err != nil {
		t.Fatalf("SetAuthentication: %v", err)
	}
	if _, err := m.Resolution(ctx); err != nil {
		t.Fatalf("Resolution: %v", err)
	}

	got, err = m.ManagedAccounts(ctx, ManagedAccountFilter{})
	if err != nil {
		t.Fatalf("ManagedAccounts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("managed accounts: got=%d want=2", len(got))
	}
}
