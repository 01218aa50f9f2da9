package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "atrium/contracts/relay/v1"
)

// pending is one in-flight request awaiting its reply.
type pending struct {
	typ string

	// ch receives the matched reply (buffered so dispatch never blocks).
	ch chan v1.Envelope

	// done is closed when the request's deadline cleans the entry up.
	done chan struct{}
}

// Transport multiplexes request/reply envelopes over a single Channel.
//
// It is shared process-wide and reference counted: every consumer calls
// Start, and the channel is opened on the first Start and closed when the
// last consumer calls Stop. Requests issued before the relay announces
// readiness are held and sent once the readiness envelope arrives.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	ch      Channel
	metrics *Metrics

	mu          sync.Mutex
	refs        int
	ready       bool
	readyCh     chan struct{}
	relayOrigin string
	pending     map[string]*pending
	external    map[string]chan struct{}

	readCancel context.CancelFunc
	readDone   chan struct{}
	watchdog   *time.Timer
}

// NewTransport constructs a Transport over the given channel. Metrics may
// be nil to disable instrumentation.
func NewTransport(cfg Config, ch Channel, log *slog.Logger, metrics *Metrics) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:      cfg,
		log:      log,
		ch:       ch,
		metrics:  metrics,
		readyCh:  make(chan struct{}),
		pending:  make(map[string]*pending),
		external: make(map[string]chan struct{}),
	}, nil
}

// Start registers a consumer. The first Start opens the channel and spawns
// the inbound read loop; later calls only bump the reference count.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.refs > 0 {
		t.refs++
		return nil
	}

	if err := t.ch.Open(ctx); err != nil {
		return err
	}

	t.refs = 1
	if t.readyCh == nil {
		t.readyCh = make(chan struct{})
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.readCancel = cancel
	t.readDone = make(chan struct{})
	go t.readLoop(readCtx)

	// Diagnostic only: a slow relay is worth a log line, not an abort.
	t.watchdog = time.AfterFunc(t.cfg.ReadyWarnAfter, func() {
		t.mu.Lock()
		slow := !t.ready && t.refs > 0
		t.mu.Unlock()
		if slow {
			t.log.Warn("relay.ready.slow", "after", t.cfg.ReadyWarnAfter)
		}
	})

	return nil
}

// Stop releases a consumer. When the last consumer leaves, the channel is
// closed and readiness is reset; pending requests are left to their own
// deadlines.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.refs == 0 {
		t.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		t.mu.Unlock()
		return
	}

	cancel := t.readCancel
	done := t.readDone
	wd := t.watchdog
	t.readCancel = nil
	t.readDone = nil
	t.watchdog = nil
	t.ready = false
	t.relayOrigin = ""
	t.readyCh = make(chan struct{})
	t.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	if cancel != nil {
		cancel()
	}
	_ = t.ch.Close()
	if done != nil {
		<-done
	}
}

// Ready reports whether the relay has announced readiness.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Request sends one envelope and blocks for the correlated reply. The
// request is registered before readiness, so calls issued while the relay
// is still loading are delivered as soon as it announces itself. A reply
// arriving after timeout is logged and dropped.
func (t *Transport) Request(ctx context.Context, typ string, payload any, timeout time.Duration) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	id := newRequestID()
	p := &pending{
		typ:  typ,
		ch:   make(chan v1.Envelope, 1),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.pending[id] = p
	readyCh := t.readyCh
	isReady := t.ready
	t.mu.Unlock()

	// timeout <= 0 means no deadline; the caller's ctx is the only bound.
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { t.expire(id, p) })
		defer timer.Stop()
	}

	if !isReady {
		select {
		case <-readyCh:
		case <-p.done:
			return v1.Envelope{}, ErrRequestTimeout
		case <-ctx.Done():
			if timer == nil {
				t.remove(id)
			}
			return v1.Envelope{}, ctx.Err()
		}
	}

	env := v1.Envelope{
		V:         v1.Version,
		Type:      typ,
		RequestID: id,
		TS:        time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return v1.Envelope{}, err
	}
	if err := t.ch.Send(ctx, data); err != nil {
		t.remove(id)
		return v1.Envelope{}, err
	}
	t.metrics.requestSent(typ)

	select {
	case reply := <-p.ch:
		return reply, nil
	case <-p.done:
		return v1.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		// With a deadline armed the entry stays registered and the timer
		// cleans it up; a reply landing before then is dropped by the
		// unknown-id path.
		if timer == nil {
			t.remove(id)
		}
		return v1.Envelope{}, ctx.Err()
	}
}

// AwaitExternalReady blocks until the relay announces readiness of the
// external endpoint for the given location. The latch is level-triggered:
// callers arriving after the announcement return immediately.
func (t *Transport) AwaitExternalReady(ctx context.Context, locationID string) error {
	latch := t.externalLatch(locationID)
	select {
	case <-latch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) externalLatch(locationID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	latch, ok := t.external[locationID]
	if !ok {
		latch = make(chan struct{})
		t.external[locationID] = latch
	}
	return latch
}

func (t *Transport) expire(id string, p *pending) {
	t.mu.Lock()
	cur, ok := t.pending[id]
	if !ok || cur != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	close(p.done)
	t.metrics.timeout()
	t.log.Warn("relay.request.timeout", "request_id", id, "type", p.typ)
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// ---- inbound ----

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.readDone)

	for {
		in, err := t.ch.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Info("relay.read.stop", "err", err)
			}
			return
		}
		t.dispatch(in)
	}
}

func (t *Transport) dispatch(in Inbound) {
	var env v1.Envelope
	if err := json.Unmarshal(in.Data, &env); err != nil {
		t.metrics.inboundInvalid()
		t.log.Debug("relay.inbound.unparseable", "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		t.metrics.inboundInvalid()
		t.log.Debug("relay.inbound.invalid", "err", err)
		return
	}

	if !originAllowed(in.Origin, t.cfg.AllowedOrigins) {
		t.metrics.originReject()
		t.log.Debug("relay.reject.origin", "origin", in.Origin, "type", env.Type)
		return
	}

	switch env.Type {
	case v1.TypeReady:
		t.markReady(in.Origin)

	case v1.TypeExternalReady:
		var p v1.ExternalReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.LocationID) == "" {
			t.metrics.inboundInvalid()
			t.log.Debug("relay.external_ready.invalid", "err", err)
			return
		}
		t.markExternalReady(p.LocationID)

	case v1.TypeSessionGet,
		v1.TypeSessionSet,
		v1.TypeSessionDelete,
		v1.TypeSettingGet,
		v1.TypeSettingSet,
		v1.TypeSettingDelete,
		v1.TypeResourceGet,
		v1.TypeError:
		t.resolve(env)

	default:
		t.log.Warn("relay.inbound.unknown_type", "type", env.Type)
	}
}

func (t *Transport) markReady(origin string) {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return
	}
	t.ready = true
	t.relayOrigin = origin
	close(t.readyCh)
	wd := t.watchdog
	t.watchdog = nil
	t.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	t.log.Info("relay.ready", "origin", origin)
}

func (t *Transport) markExternalReady(locationID string) {
	t.mu.Lock()
	latch, ok := t.external[locationID]
	if !ok {
		latch = make(chan struct{})
		t.external[locationID] = latch
	}
	select {
	case <-latch:
		t.mu.Unlock()
		return
	default:
	}
	close(latch)
	t.mu.Unlock()

	t.log.Info("relay.external_ready", "location_id", locationID)
}

func (t *Transport) resolve(env v1.Envelope) {
	t.mu.Lock()
	p, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.mu.Unlock()

	if !ok {
		t.metrics.replyDropped()
		t.log.Warn("relay.reply.unknown", "request_id", env.RequestID, "type", env.Type)
		return
	}

	p.ch <- env
	t.metrics.replyMatched()
}

// ---- origin policy ----

func originAllowed(origin string, allowed []string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return false
	}

	originHost := originHostOnly(origin)

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return true
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return true
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return true
		}
	}

	return false
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
