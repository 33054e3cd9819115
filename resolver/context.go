package resolver

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/jroosing/stubresolver/resolver/query"
)

// Context is one stub resolver instance: a capacity-bounded pool of
// in-flight lookups, driven entirely by calls into the supplied Reactor and
// never by any goroutine or lock of its own, except for the
// narrow, documented exception of TCP connect/roundtrip I/O,
// which does run on background goroutines and hands results back across the
// self-pipe wired up in New.
type Context struct {
	watchable

	cfg     Config
	hosts   *Hosts
	reactor Reactor
	logger  *slog.Logger
	clock   func() time.Time

	ids     IDAllocator
	udp     *udpTransport
	tcp     *tcpPool
	builder query.Builder

	pending  *lookupQueue
	overflow *lookupQueue
	waiting  *lookupQueue

	remoteActive int

	timerToken Token
	timerArmed bool

	rng *rand.Rand

	wakeR, wakeW *os.File
	wakeToken    Token

	completionsMu sync.Mutex
	completions   []tcpEvent

	inTick      bool
	inTickCalls int
	closed      bool
}

// Option configures a Context at construction time.
type Option func(*Context)

// WithHosts supplies the /etc/hosts-equivalent table consulted for Local
// Lookups and NXDOMAIN masking. Without it, every lookup is a
// Remote Lookup and no response is ever masked.
func WithHosts(h *Hosts) Option { return func(c *Context) { c.hosts = h } }

// WithLogger attaches a *slog.Logger the Context uses for its own
// diagnostic logging (socket open/close, TCP connect failures, dropped
// writes). Without it, the Context logs nothing; it never calls
// slog.SetDefault or otherwise reaches for a package-level logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Context) { c.logger = logger } }

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(c *Context) { c.clock = clock } }

// New builds a Context driven by reactor. cfg is copied and defaulted; the
// caller's Config value is never mutated.
func New(reactor Reactor, cfg Config, opts ...Option) (*Context, error) {
	cfg.applyDefaults()
	if cfg.Randomized && cfg.Capacity > RandomizedIDCapacity {
		// The randomized allocator tracks at most RandomizedIDCapacity
		// in-flight IDs; admission beyond that waits in overflow.
		cfg.Capacity = RandomizedIDCapacity
	}

	ctx := &Context{
		watchable: newWatchable(),
		cfg:       cfg,
		reactor:   reactor,
		pending:   newLookupQueue("pending"),
		overflow:  newLookupQueue("overflow"),
		waiting:   newLookupQueue("waiting"),
		rng:       rand.New(rand.NewSource(rand.Int63())),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(ctx)
	}

	if cfg.Randomized {
		ctx.ids = NewRandomizedIDAllocator(cfg.Capacity)
	} else {
		ctx.ids = NewMonotonicIDAllocator()
	}
	ctx.builder = query.Builder{EDNSUDPSize: cfg.EDNSUDPSize}
	ctx.udp = newUDPTransport(ctx, cfg.UDPSocketCount, cfg.UDPRecvBufferSize)
	ctx.tcp = newTCPPool(ctx)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("resolver: creating wake pipe: %w", err)
	}
	ctx.wakeR, ctx.wakeW = r, w

	if reactor != nil {
		if rc, rcErr := r.SyscallConn(); rcErr == nil {
			var fd int
			_ = rc.Control(func(sysfd uintptr) { fd = int(sysfd) })
			token, terr := reactor.Add(fd, Readable, ctx.onWakeReadable)
			if terr == nil {
				ctx.wakeToken = token
			} else if ctx.logger != nil {
				ctx.logger.Error("resolver: registering wake pipe", "error", terr)
			}
		}
	}

	return ctx, nil
}

func (ctx *Context) now() time.Time {
	if ctx.clock != nil {
		return ctx.clock()
	}
	return time.Now()
}

// SetUDPSocketCount raises the number of UDP sockets opened per address
// family above whatever Config.UDPSocketCount/applyDefaults set at
// construction. The live socket count may only increase: a
// smaller n than the pool already holds is a no-op. New sockets are opened
// lazily, the next time an address family needs one it doesn't already
// have, not synchronously from this call.
func (ctx *Context) SetUDPSocketCount(n int) {
	ctx.udp.setSocketCount(n)
}

// Query admits a forward lookup for name/qtype and returns a handle whose
// only capability is Cancel, or nil if name is not a valid query name.
// handler is invoked exactly once, on the thread that drives ctx's Reactor —
// never synchronously from within Query itself.
func (ctx *Context) Query(name string, qtype uint16, bits query.Bits, handler Handler) *LookupHandle {
	if family := addressFamily(qtype); family != 0 && ctx.hosts != nil {
		if _, ok := ctx.hosts.Lookup(name, family); ok {
			l := newLookup(ctx, name, qtype, bits, handler)
			l.isLocal = true
			l.hostsFamily = family
			ctx.pending.pushBack(l)
			ctx.armImmediate()
			return l.self
		}
	}

	m, err := ctx.builder.Build(0, name, qtype, bits)
	if err != nil {
		return nil
	}
	l := newLookup(ctx, name, qtype, bits, handler)
	l.query = m
	ctx.admitRemote(l)
	ctx.armImmediate()
	return l.self
}

// QueryReverse admits a PTR lookup for addr, or returns nil if addr is not
// a valid IP address.
func (ctx *Context) QueryReverse(addr netip.Addr, handler Handler) *LookupHandle {
	reverseName, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return nil
	}

	if ctx.hosts != nil {
		if _, ok := ctx.hosts.ReverseLookup(addr); ok {
			l := newLookup(ctx, reverseName, dns.TypePTR, 0, handler)
			l.isLocal = true
			l.ptrAddr = addr
			ctx.pending.pushBack(l)
			ctx.armImmediate()
			return l.self
		}
	}

	m, err := ctx.builder.BuildReverse(0, reverseName, 0)
	if err != nil {
		return nil
	}
	l := newLookup(ctx, reverseName, dns.TypePTR, 0, handler)
	l.ptrAddr = addr
	l.query = m
	ctx.admitRemote(l)
	ctx.armImmediate()
	return l.self
}

// admitRemote places a freshly built Remote Lookup into pending if the
// context is below Config.Capacity, or overflow otherwise.
func (ctx *Context) admitRemote(l *Lookup) {
	if ctx.remoteActive < ctx.cfg.Capacity {
		ctx.remoteActive++
		l.counted = true
		ctx.pending.pushBack(l)
	} else {
		ctx.overflow.pushBack(l)
	}
}

// armImmediate re-arms the shared timer for an immediate (zero-delay)
// expiry. Query/QueryReverse call it after admitting a lookup so the host
// event loop drives the new work at its next opportunity, never
// synchronously from within the admission call itself: a Handler is only
// ever invoked from the thread driving the Reactor, on that thread's own
// schedule.
func (ctx *Context) armImmediate() {
	if ctx.timerArmed {
		_ = ctx.reactor.CancelTimer(ctx.timerToken)
		ctx.timerArmed = false
	}
	token, err := ctx.reactor.Timer(0, ctx.onTimerFired)
	if err != nil {
		if ctx.logger != nil {
			ctx.logger.Error("resolver: arming immediate timer", "error", err)
		}
		return
	}
	ctx.timerToken = token
	ctx.timerArmed = true
}

// moveToWaiting relocates l (SCHEDULED/ATTEMPTING -> EXHAUSTED/AWAIT_TCP) out
// of pending. lookupQueue.pushBack unlinks l from whatever queue currently
// holds it, so this is safe to call whether l is in pending or nowhere yet.
func (ctx *Context) moveToWaiting(l *Lookup) {
	ctx.waiting.pushBack(l)
}

// cancel implements LookupHandle.Cancel. Already-finished lookups (including
// one cancelling itself from inside its own callback) are a no-op.
func (ctx *Context) cancel(l *Lookup) {
	if l.finished {
		return
	}
	l.deliver(OutcomeCancelled, nil, 0)
	// Cancel may have promoted an overflow lookup into pending. When called
	// from outside a tick there is no rearm on the way out, so arm one here;
	// mid-tick the scheduler's own rearm covers it.
	if !ctx.inTick && !ctx.closed {
		ctx.armImmediate()
	}
}

// onLookupFinished is called once, by deliver, for every Lookup as it
// finishes. It decrements the capacity-bounded in-flight count and promotes
// the next overflow lookup if room opened up.
func (ctx *Context) onLookupFinished(l *Lookup, wasCounted bool) {
	if l.isLocal || !wasCounted {
		return
	}
	ctx.remoteActive--
	if ctx.remoteActive < ctx.cfg.Capacity {
		if promoted := ctx.overflow.popFront(); promoted != nil {
			ctx.remoteActive++
			promoted.counted = true
			ctx.pending.pushBack(promoted)
		}
	}
}

// postTCPEvent hands a completion from a TCP connect/reader goroutine back
// to the cooperative thread. It is the one function in this package safe to
// call from any goroutine; everything else assumes the caller is already on
// the thread driving the Reactor.
func (ctx *Context) postTCPEvent(ev tcpEvent) {
	ctx.completionsMu.Lock()
	ctx.completions = append(ctx.completions, ev)
	ctx.completionsMu.Unlock()
	if ctx.wakeW != nil {
		_, _ = ctx.wakeW.Write([]byte{0})
	}
}

// onWakeReadable is the Reactor Monitor for the self-pipe's read end. It
// drains whatever woke it and runs a tick so queued TCP completions are
// processed promptly instead of waiting for the next unrelated event.
func (ctx *Context) onWakeReadable(Events) {
	buf := make([]byte, 64)
	_, _ = ctx.wakeR.Read(buf)
	ctx.tick(ctx.now())
}

// onUDPReadable is the Reactor Monitor for one UDP socket becoming readable.
func (ctx *Context) onUDPReadable(sock *udpSocket) {
	ctx.udp.drain(sock)
	ctx.tick(ctx.now())
}

// onTimerFired is the Reactor Monitor for the shared re-arming timer.
func (ctx *Context) onTimerFired(Events) {
	ctx.timerArmed = false
	ctx.tick(ctx.now())
}

// tick is the cooperative scheduler's one entry point: process any queued
// TCP completions, any buffered UDP datagrams, any due lookups in waiting
// and pending (up to Config.MaxCalls user callbacks), then re-arm the
// shared timer for whatever needs attention next.
func (ctx *Context) tick(now time.Time) {
	if ctx.closed {
		return
	}
	w := ctx.watch()
	ctx.inTick = true
	ctx.inTickCalls = 0

	ctx.pumpTCPEvents(w)
	if !w.ok() {
		return
	}
	ctx.pumpUDP(w)
	if !w.ok() {
		return
	}
	ctx.processQueue(ctx.waiting, now, w)
	if !w.ok() {
		return
	}
	ctx.processQueue(ctx.pending, now, w)
	if !w.ok() {
		return
	}

	ctx.inTick = false
	ctx.rearm(now)
}

func (ctx *Context) pumpTCPEvents(w watcher) {
	for {
		if ctx.inTickCalls >= ctx.cfg.MaxCalls {
			return
		}
		ctx.completionsMu.Lock()
		if len(ctx.completions) == 0 {
			ctx.completionsMu.Unlock()
			return
		}
		ev := ctx.completions[0]
		ctx.completions = ctx.completions[1:]
		ctx.completionsMu.Unlock()

		ctx.tcp.handleEvent(ev)
		if !w.ok() {
			return
		}
	}
}

func (ctx *Context) pumpUDP(w watcher) {
	for _, sock := range ctx.udp.v4 {
		ctx.dispatchSocket(sock, w)
		if !w.ok() {
			return
		}
	}
	for _, sock := range ctx.udp.v6 {
		ctx.dispatchSocket(sock, w)
		if !w.ok() {
			return
		}
	}
}

func (ctx *Context) dispatchSocket(sock *udpSocket, w watcher) {
	for len(sock.pending) > 0 {
		if ctx.inTickCalls >= ctx.cfg.MaxCalls {
			return
		}
		d := sock.pending[0]
		sock.pending = sock.pending[1:]

		resp, ok := query.ParseResponse(d.data)
		if !ok {
			continue // malformed datagram, never a failure
		}
		key := udpSubKey{id: resp.Id, peer: d.peer}
		subs := append([]*Lookup(nil), sock.subs[key]...)
		for _, l := range subs {
			l.onUDPReceived(d.peer, resp)
			if !w.ok() {
				return
			}
		}
	}
}

// processQueue executes every due lookup in q. next is captured before
// execute runs so a lookup that relocates itself to a different queue (or
// finishes and is removed entirely) doesn't break the walk.
func (ctx *Context) processQueue(q *lookupQueue, now time.Time, w watcher) {
	l := q.head
	for l != nil {
		next := l.qNext
		if ctx.inTickCalls >= ctx.cfg.MaxCalls {
			return
		}
		if l.delay(now) <= 0 {
			l.execute(now)
		}
		if !w.ok() {
			return
		}
		l = next
	}
}

// chargeCallback is called by Lookup.deliver immediately before invoking a
// Handler method, charging it against the current tick's budget.
func (ctx *Context) chargeCallback() {
	if ctx.inTick {
		ctx.inTickCalls++
	}
}

// rearm computes the next moment the scheduler needs to run and arms the
// shared one-shot timer for it, keeping the invariant that the armed
// delay never exceeds the minimum delay() over every pending/waiting
// lookup. Left-over work from a budget-exhausted tick, or TCP completions
// still queued, forces an immediate (zero-delay) re-arm instead.
func (ctx *Context) rearm(now time.Time) {
	if ctx.timerArmed {
		_ = ctx.reactor.CancelTimer(ctx.timerToken)
		ctx.timerArmed = false
	}

	d, ok := ctx.minDelay(now)

	ctx.completionsMu.Lock()
	hasCompletions := len(ctx.completions) > 0
	ctx.completionsMu.Unlock()
	moreUDP := ctx.anyUDPPending()

	if hasCompletions || moreUDP {
		ok = true
		d = 0
	}
	if !ok {
		return
	}

	token, err := ctx.reactor.Timer(d, ctx.onTimerFired)
	if err != nil {
		if ctx.logger != nil {
			ctx.logger.Error("resolver: arming timer", "error", err)
		}
		return
	}
	ctx.timerToken = token
	ctx.timerArmed = true
}

func (ctx *Context) minDelay(now time.Time) (time.Duration, bool) {
	var best time.Duration
	found := false
	scan := func(q *lookupQueue) {
		for l := q.head; l != nil; l = l.qNext {
			d := l.delay(now)
			if !found || d < best {
				best, found = d, true
			}
		}
	}
	scan(ctx.pending)
	scan(ctx.waiting)
	return best, found
}

func (ctx *Context) anyUDPPending() bool {
	for _, s := range ctx.udp.v4 {
		if len(s.pending) > 0 {
			return true
		}
	}
	for _, s := range ctx.udp.v6 {
		if len(s.pending) > 0 {
			return true
		}
	}
	return false
}

// Close tears the Context down: every outstanding lookup is released
// without invoking its Handler (teardown must never call back), all
// sockets and TCP connections are closed, and every witness handed out
// by watch() is invalidated so any loop still unwinding from a callback
// stops touching ctx. Close is idempotent.
func (ctx *Context) Close() {
	if ctx.closed {
		return
	}
	ctx.closed = true
	ctx.destroy()

	if ctx.timerArmed {
		_ = ctx.reactor.CancelTimer(ctx.timerToken)
		ctx.timerArmed = false
	}
	if ctx.reactor != nil {
		_ = ctx.reactor.Remove(ctx.wakeToken, ctx.wakeFd())
	}
	_ = ctx.wakeR.Close()
	_ = ctx.wakeW.Close()

	ctx.udp.closeAll()
	ctx.tcp.closeAll()

	for _, q := range []*lookupQueue{ctx.pending, ctx.overflow, ctx.waiting} {
		for l := q.popFront(); l != nil; l = q.popFront() {
			l.finalize()
			l.finished = true
		}
	}
}

func (ctx *Context) wakeFd() int {
	rc, err := ctx.wakeR.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = rc.Control(func(sysfd uintptr) { fd = int(sysfd) })
	return fd
}
