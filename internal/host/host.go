// Package host implements the Host — the component spec.md §1 and §9
// describe as wiring the Instantiation Service, Dispatcher, Scheduler, and
// Event Bus together behind the agent.Runtime facade. It owns the Callback
// Registry (tag → pending synchronous call) and the per-agent single-writer
// lock, and is the one place a request arriving from any Transport, the
// Scheduler, or another agent's self-call ultimately funnels through.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/authz"
	"github.com/fenlake/agentrt/internal/dispatch"
	"github.com/fenlake/agentrt/internal/eventbus"
	"github.com/fenlake/agentrt/internal/instantiation"
	"github.com/fenlake/agentrt/internal/metrics"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/scheduler"
	"github.com/fenlake/agentrt/internal/state"
	"github.com/fenlake/agentrt/internal/transport"
)

// defaultSendTimeout bounds how long a synchronous remote Send waits for a
// reply when Config.SendTimeout is unset. The bound applies whether or not
// ctx carries a deadline; an earlier ctx deadline ends the wait first, with
// ctx's own error rather than TIMEOUT.
const defaultSendTimeout = 30 * time.Second

// stateExporter is implemented by agent.Base. The Host flushes an awake
// agent's in-memory snapshot back to the State Service after every
// dispatched operation.
type stateExporter interface {
	ExportState() map[string]json.RawMessage
}

// recurringScheduler is the narrow surface the Host needs from
// scheduler.RecurringScheduler, kept as an interface so it can be omitted
// (nil) when a deployment only wants one-shot tasks.
type recurringScheduler interface {
	CreateRecurring(ctx context.Context, agentID, cronExpr string, req agent.TaskRequest) (string, error)
	CancelRecurring(ctx context.Context, agentID, id string) error
}

// Host wires every core component behind agent.Runtime. The zero value is
// not usable — construct with New, then wire the Scheduler, RecurringScheduler,
// EventBus, and Transports before calling instSvc.SetRuntime(host) and
// booting.
type Host struct {
	inst          *instantiation.Service
	disp          *dispatch.Dispatcher
	st            state.Service
	defaultAuthz  dispatch.Authorizor // fallback for any agent with no authorizor of its own
	logger        *zap.Logger

	sched     *scheduler.Scheduler
	recurring recurringScheduler
	bus       *eventbus.Bus

	transportsMu sync.RWMutex
	transports   map[string]transport.Transport // keyed by scheme

	selfBase string // e.g. "http://127.0.0.1:8080", used by SelfURL and local short-circuiting

	sendTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan rpc.Response

	writerLocks sync.Map // agentID -> *sync.Mutex, the per-agent single-writer guarantee (spec.md §5)
}

// Config bundles Host construction dependencies. Scheduler, RecurringScheduler,
// EventBus, and Transports are wired in after construction via their Set/Register
// methods, since they each need a reference to the Host (or one of its
// narrow adapters) to be built in the first place.
type Config struct {
	Instantiation *instantiation.Service
	State         state.Service
	// DefaultAuthorizor is consulted for any agent registered with no
	// authorizor config of its own (spec.md §6: an agent's `authorizor` is
	// optional). nil means every such call is authorized.
	DefaultAuthorizor dispatch.Authorizor
	Logger            *zap.Logger
	SelfBase          string // this process's own advertised base URL, e.g. "http://127.0.0.1:8080"
	SendTimeout       time.Duration
}

// New constructs a Host. Call SetScheduler, SetRecurringScheduler, SetEventBus,
// and RegisterTransport before it starts serving traffic.
func New(cfg Config) *Host {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Host{
		inst:         cfg.Instantiation,
		disp:         dispatch.New(),
		st:           cfg.State,
		defaultAuthz: cfg.DefaultAuthorizor,
		logger:       cfg.Logger.Named("host"),
		transports:   make(map[string]transport.Transport),
		selfBase:     strings.TrimSuffix(cfg.SelfBase, "/"),
		sendTimeout:  timeout,
		pending:      make(map[string]chan rpc.Response),
	}
}

// SetScheduler wires the one-shot task Scheduler. Construct it with
// scheduler.New(st, host.SchedulerReceiver(), logger) before calling this.
func (h *Host) SetScheduler(s *scheduler.Scheduler) { h.sched = s }

// SetRecurringScheduler wires the optional cron-trigger scheduler.
func (h *Host) SetRecurringScheduler(r recurringScheduler) { h.recurring = r }

// SetEventBus wires the Event Bus. Construct it with
// eventbus.New(st, host.AsyncSender(), logger) before calling this.
func (h *Host) SetEventBus(b *eventbus.Bus) { h.bus = b }

// RegisterTransport makes t available for outbound Send calls whose target
// URL scheme matches t.Scheme(), and is expected to also be wired into that
// transport's own inbound server (its Router()) by the caller.
func (h *Host) RegisterTransport(t transport.Transport) {
	h.transportsMu.Lock()
	h.transports[t.Scheme()] = t
	h.transportsMu.Unlock()
}

// SchedulerReceiver adapts the Host to scheduler.Receiver's narrower
// signature — scheduler fires carry no external sender or transport tag —
// without colliding with Host's own 5-argument Receive method.
func (h *Host) SchedulerReceiver() scheduler.Receiver { return schedulerReceiverAdapter{h} }

type schedulerReceiverAdapter struct{ h *Host }

func (a schedulerReceiverAdapter) Receive(ctx context.Context, agentID string, req rpc.Request) rpc.Response {
	return a.h.Receive(ctx, agentID, req, schedulerSender, "")
}

// schedulerSender is the sender identity stamped on scheduler- and
// recurring-trigger-originated calls, so an Authorizor can distinguish
// "the runtime's own clock" from an arbitrary external caller while still
// going through the same yes/no policy check as everything else.
const schedulerSender = "__scheduler__"

// AsyncSender adapts the Host to eventbus.Sender.
func (h *Host) AsyncSender() eventbus.Sender { return asyncSenderAdapter{h} }

type asyncSenderAdapter struct{ h *Host }

func (a asyncSenderAdapter) SendAsync(ctx context.Context, targetURL string, req rpc.Request) {
	a.h.sendAsync(ctx, targetURL, req)
}

// Receive implements the inbound surface every Transport depends on
// (internal/transport/http.Receiver, internal/transport/ws.Receiver):
// dispatch req to agentID, authorizing senderURL against agentID's own
// authorizor if it was registered with one, else against the Host's
// DefaultAuthorizor. tag is accepted for interface symmetry but not
// otherwise used here — correlating a reply with an outbound call is each
// Transport's own concern, not the dispatch core's.
func (h *Host) Receive(ctx context.Context, agentID string, req rpc.Request, senderURL, tag string) rpc.Response {
	resp := rpc.Response{ID: req.ID}
	start := time.Now()
	className := "unknown"
	defer func() {
		outcome := "ok"
		if resp.Error != nil {
			outcome = "error"
		}
		metrics.DispatchTotal.WithLabelValues(className, outcome).Inc()
		metrics.DispatchDuration.WithLabelValues(className).Observe(time.Since(start).Seconds())
	}()

	a, err := h.inst.Init(ctx, agentID, false)
	if err != nil {
		resp.Error = rpc.NewError(rpc.CodeInternalError, fmt.Sprintf("waking agent: %v", err))
		return resp
	}
	if a == nil {
		if ok, _ := h.inst.Exists(ctx, agentID); ok {
			resp.Error = rpc.NewError(rpc.CodeInternalError, fmt.Sprintf("agent %q could not be instantiated", agentID))
			return resp
		}
		resp.Error = rpc.AsError(rpc.ErrNotFound)
		return resp
	}

	cn, ok, err := h.inst.ClassName(ctx, agentID)
	if err != nil || !ok {
		resp.Error = rpc.AsError(rpc.ErrNotFound)
		return resp
	}
	className = cn

	// A self-call nested inside this same dispatch (spec.md §8's cascade
	// scenario) re-enters Receive for the same agentID on the same
	// goroutine before the outer call returns. sync.Mutex isn't reentrant,
	// so the lock chain carried on ctx is what lets the inner call detect
	// "I'm already holding this agent's writer lock" and skip relocking,
	// rather than deadlocking against itself.
	reentrant := chainHolds(ctx, agentID)
	if !reentrant {
		lock := h.lockFor(agentID)
		lock.Lock()
		defer lock.Unlock()
	}
	dispatchCtx := chainAppend(ctx, agentID)

	resp = h.disp.Dispatch(dispatchCtx, className, a, req, senderURL, h.authorizorFor(ctx, agentID))
	resp.ID = req.ID

	if err := h.flushState(ctx, agentID, a); err != nil {
		h.logger.Warn("flushing agent state failed", zap.String("agent", agentID), zap.Error(err))
	}
	return resp
}

type lockChainKey struct{}

// chainHolds reports whether agentID's writer lock is already held
// somewhere up the current call chain.
func chainHolds(ctx context.Context, agentID string) bool {
	chain, _ := ctx.Value(lockChainKey{}).([]string)
	for _, id := range chain {
		if id == agentID {
			return true
		}
	}
	return false
}

// chainAppend returns a context recording that agentID's writer lock is now
// held for the remainder of this call chain, without mutating the parent's
// slice (a sibling branch of a future fan-out must not see this entry).
func chainAppend(ctx context.Context, agentID string) context.Context {
	chain, _ := ctx.Value(lockChainKey{}).([]string)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	next = append(next, agentID)
	return context.WithValue(ctx, lockChainKey{}, next)
}

func (h *Host) lockFor(agentID string) *sync.Mutex {
	v, _ := h.writerLocks.LoadOrStore(agentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// authorizorFor resolves the Authorizor that governs agentID: its own
// config if Register gave it one (spec.md §6's optional per-agent
// `authorizor`), otherwise the Host's DefaultAuthorizor. A malformed policy
// config is treated as "deny everything" rather than silently falling back
// to the default, since a broken policy must fail closed.
func (h *Host) authorizorFor(ctx context.Context, agentID string) dispatch.Authorizor {
	raw, ok, err := h.inst.Authorizor(ctx, agentID)
	if err != nil || !ok {
		return h.defaultAuthz
	}
	a, err := authz.FromJSON(raw)
	if err != nil {
		h.logger.Warn("agent authorizor config invalid, denying", zap.String("agent", agentID), zap.Error(err))
		return authz.New(nil)
	}
	return a
}

// flushState persists an awake agent's in-memory snapshot, preserving every
// reserved "__"-prefixed key (the instantiation entry, scheduled tasks,
// recurring triggers, subscriptions) that ExportState never reports, since
// state.Service.PutSnapshot overwrites an agent's entire key space in one
// call rather than merging.
func (h *Host) flushState(ctx context.Context, agentID string, a agent.Agent) error {
	exporter, ok := a.(stateExporter)
	if !ok {
		return nil
	}

	existing, err := h.st.Snapshot(ctx, agentID)
	if err != nil {
		return fmt.Errorf("loading existing snapshot: %w", err)
	}

	merged := make(map[string][]byte, len(existing))
	for k, v := range existing {
		if strings.HasPrefix(k, "__") {
			merged[k] = v
		}
	}
	for k, v := range exporter.ExportState() {
		merged[k] = v
	}

	return h.st.PutSnapshot(ctx, agentID, merged)
}

// Fulfill reports targetURL's response back to whichever pending Send call
// is waiting on tag, if any. Called by a Transport once a response arrives
// for an earlier outbound Send.
func (h *Host) Fulfill(tag string, resp rpc.Response) {
	h.pendingMu.Lock()
	ch, ok := h.pending[tag]
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (h *Host) registerPending(tag string) chan rpc.Response {
	ch := make(chan rpc.Response, 1)
	h.pendingMu.Lock()
	h.pending[tag] = ch
	h.pendingMu.Unlock()
	return ch
}

func (h *Host) unregisterPending(tag string) {
	h.pendingMu.Lock()
	delete(h.pending, tag)
	h.pendingMu.Unlock()
}

// SelfURL implements agent.Runtime.
func (h *Host) SelfURL(agentID string) string {
	return fmt.Sprintf("%s/agents/%s/", h.selfBase, agentID)
}

// localAgentID reports whether targetURL addresses an agent hosted by this
// same process, short-circuiting the network round trip while preserving
// the same receive(agentId, request, senderUrl, tag) flow (spec.md §4.3's
// self-addressing note).
func (h *Host) localAgentID(targetURL string) (string, bool) {
	if h.selfBase == "" || !strings.HasPrefix(targetURL, h.selfBase+"/agents/") {
		return "", false
	}
	rest := strings.TrimPrefix(targetURL, h.selfBase+"/agents/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	segments := strings.Split(rest, "/")
	return segments[0], true
}

// Send implements agent.Runtime: a synchronous outbound call (spec.md §4.3).
// It short-circuits to a direct Receive when targetURL names a locally
// hosted agent, and otherwise hands off to the Transport registered for
// targetURL's scheme, blocking on the Callback Registry until a response
// arrives, ctx is cancelled, or the send timeout elapses.
func (h *Host) Send(ctx context.Context, targetURL, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("host: encoding params: %w", err)
	}

	callerURL, _ := agent.CallerURL(ctx)
	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: rawParams}

	var resp rpc.Response
	if agentID, ok := h.localAgentID(targetURL); ok {
		resp = h.Receive(ctx, agentID, req, callerURL, "")
	} else {
		resp, err = h.sendRemote(ctx, targetURL, req, callerURL)
		if err != nil {
			return err
		}
	}

	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("host: decoding result: %w", err)
		}
	}
	return nil
}

func (h *Host) sendRemote(ctx context.Context, targetURL string, req rpc.Request, callerURL string) (rpc.Response, error) {
	t, err := h.transportFor(targetURL)
	if err != nil {
		return rpc.Response{}, err
	}

	tag := uuid.NewString()
	ch := h.registerPending(tag)
	defer h.unregisterPending(tag)

	if err := t.Send(ctx, targetURL, req, callerURL, tag); err != nil {
		metrics.TransportErrors.WithLabelValues(t.Scheme()).Inc()
		return rpc.Response{}, fmt.Errorf("host: %w", err)
	}

	deadline := h.sendTimeout
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	case <-timer.C:
		metrics.SendTimeouts.Inc()
		return rpc.Response{}, rpc.ErrTimeout
	}
}

// sendAsync is the Event Bus's fire-and-forget delivery path: it never
// blocks waiting for a reply, so a slow or unreachable subscriber cannot
// stall the publisher (spec.md §4.5).
func (h *Host) sendAsync(ctx context.Context, targetURL string, req rpc.Request) {
	callerURL, _ := agent.CallerURL(ctx)
	if agentID, ok := h.localAgentID(targetURL); ok {
		go h.Receive(ctx, agentID, req, callerURL, "")
		return
	}

	t, err := h.transportFor(targetURL)
	if err != nil {
		h.logger.Warn("eventbus delivery: no transport for target", zap.String("target", targetURL), zap.Error(err))
		return
	}
	if err := t.Send(ctx, targetURL, req, callerURL, uuid.NewString()); err != nil {
		metrics.TransportErrors.WithLabelValues(t.Scheme()).Inc()
		h.logger.Warn("eventbus delivery failed", zap.String("target", targetURL), zap.Error(err))
	}
}

func (h *Host) transportFor(targetURL string) (transport.Transport, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", targetURL, err)
	}
	h.transportsMu.RLock()
	t, ok := h.transports[u.Scheme]
	h.transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme %q", u.Scheme)
	}
	return t, nil
}

// CreateTask implements agent.Runtime.
func (h *Host) CreateTask(ctx context.Context, agentID string, req agent.TaskRequest, delay time.Duration) (string, error) {
	if h.sched == nil {
		return "", fmt.Errorf("host: no scheduler configured")
	}
	return h.sched.CreateTask(ctx, agentID, req, delay)
}

// CancelTask implements agent.Runtime.
func (h *Host) CancelTask(agentID, taskID string) error {
	if h.sched == nil {
		return fmt.Errorf("host: no scheduler configured")
	}
	return h.sched.CancelTask(agentID, taskID)
}

// CreateRecurring schedules req to fire on cronExpr, if a RecurringScheduler
// is configured. Not part of agent.Runtime — agents that want this reach it
// through a type assertion, the same way stateLoadable is an opt-in extension
// to agent.Agent.
func (h *Host) CreateRecurring(ctx context.Context, agentID, cronExpr string, req agent.TaskRequest) (string, error) {
	if h.recurring == nil {
		return "", fmt.Errorf("host: no recurring scheduler configured")
	}
	return h.recurring.CreateRecurring(ctx, agentID, cronExpr, req)
}

// CancelRecurring cancels a trigger previously created with CreateRecurring.
func (h *Host) CancelRecurring(ctx context.Context, agentID, id string) error {
	if h.recurring == nil {
		return fmt.Errorf("host: no recurring scheduler configured")
	}
	return h.recurring.CancelRecurring(ctx, agentID, id)
}

// Trigger implements agent.Runtime.
func (h *Host) Trigger(ctx context.Context, publisherID, event string, params any) error {
	if h.bus == nil {
		return fmt.Errorf("host: no event bus configured")
	}
	return h.bus.Trigger(ctx, publisherID, h.SelfURL(publisherID), event, params)
}

// Subscribe implements agent.Runtime. publisherURL is parsed back to a
// publisher agent id so the subscription table lives in that agent's own
// state namespace (eventbus's design), regardless of which agent is
// subscribing.
func (h *Host) Subscribe(ctx context.Context, subscriberID, publisherURL, event, callbackMethod string) error {
	if h.bus == nil {
		return fmt.Errorf("host: no event bus configured")
	}
	publisherID, ok := h.localAgentID(publisherURL)
	if !ok {
		return fmt.Errorf("host: subscribing to a non-local publisher is not supported")
	}
	return h.bus.Subscribe(ctx, publisherID, h.SelfURL(subscriberID), event, callbackMethod)
}

// Unsubscribe implements agent.Runtime.
func (h *Host) Unsubscribe(ctx context.Context, subscriberID, publisherURL, event, callbackMethod string) error {
	if h.bus == nil {
		return fmt.Errorf("host: no event bus configured")
	}
	publisherID, ok := h.localAgentID(publisherURL)
	if !ok {
		return fmt.Errorf("host: unsubscribing from a non-local publisher is not supported")
	}
	return h.bus.Unsubscribe(ctx, publisherID, h.SelfURL(subscriberID), event, callbackMethod)
}

var _ agent.Runtime = (*Host)(nil)
