package resolver

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/jroosing/stubresolver/resolver/query"
)

// lookupState is a Remote Lookup's position in the scheduled -> attempting ->
// exhausted -> awaitTCP -> finished machine. Local Lookups skip the
// attempting, exhausted and awaitTCP states: the first tick after admission
// answers them out of Hosts and moves them straight to stateFinished.
type lookupState int

const (
	stateScheduled lookupState = iota
	stateAttempting
	stateExhausted
	stateAwaitTCP
	stateFinished
)

// Outcome is how a Lookup finished, passed to the matching Handler method.
type Outcome int

const (
	OutcomeResolved Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeCancelled
)

// Handler receives exactly one of these four calls per Lookup, exactly once,
// on the thread driving the owning Context.
type Handler interface {
	OnResolved(op *LookupHandle, resp *dns.Msg)
	OnFailure(op *LookupHandle, rcode int)
	OnTimeout(op *LookupHandle)
	OnCancelled(op *LookupHandle)
}

// FuncHandler adapts plain functions to Handler. Any nil field is treated as
// a no-op, except Timeout: when Timeout is nil it falls back to
// Failure(dns.RcodeServerFailure), matching the "on_timeout defaults to
// on_failure(SERVFAIL)" behavior embedders expect when they only care about
// the resolved/failed distinction.
type FuncHandler struct {
	Resolved  func(op *LookupHandle, resp *dns.Msg)
	Failure   func(op *LookupHandle, rcode int)
	Timeout   func(op *LookupHandle)
	Cancelled func(op *LookupHandle)
}

func (f FuncHandler) OnResolved(op *LookupHandle, resp *dns.Msg) {
	if f.Resolved != nil {
		f.Resolved(op, resp)
	}
}

func (f FuncHandler) OnFailure(op *LookupHandle, rcode int) {
	if f.Failure != nil {
		f.Failure(op, rcode)
	}
}

func (f FuncHandler) OnTimeout(op *LookupHandle) {
	switch {
	case f.Timeout != nil:
		f.Timeout(op)
	case f.Failure != nil:
		f.Failure(op, dns.RcodeServerFailure)
	}
}

func (f FuncHandler) OnCancelled(op *LookupHandle) {
	if f.Cancelled != nil {
		f.Cancelled(op)
	}
}

// LookupHandle is the caller-visible handle to a Lookup returned by
// Context.Query/QueryReverse. Its only capability is Cancel; everything else
// about the Lookup is internal to the scheduler.
type LookupHandle struct {
	l *Lookup
}

// Cancel requests cancellation. If the Lookup has already finished (its
// handler already invoked, or already cancelled), Cancel is a no-op. A
// Lookup cancelled from within its own handler callback is also a no-op,
// since finalize already ran before the handler was invoked.
func (h *LookupHandle) Cancel() {
	if h == nil || h.l == nil {
		return
	}
	h.l.ctx.cancel(h.l)
}

// udpActiveSub records one (socket, peer) pair a Lookup is subscribed under,
// so finalize can unsubscribe without re-deriving which sockets were used.
type udpActiveSub struct {
	sock *udpSocket
	peer netip.AddrPort
}

// Lookup is one in-flight name resolution. It is never exposed directly to
// callers, who see only its LookupHandle.
type Lookup struct {
	// Intrusive queue linkage; owned exclusively by lookupQueue.
	qPrev, qNext *Lookup
	queue        *lookupQueue

	ctx      *Context
	handler  Handler
	self     *LookupHandle
	created  time.Time
	finished bool

	isLocal bool
	counted bool // true once admitted into ctx's capacity-bounded count

	// Shared by both kinds.
	name  string
	qtype uint16
	bits  query.Bits

	// Local Lookup only.
	hostsFamily int        // 4 or 6; 0 for non-address qtypes served from Hosts (PTR)
	ptrAddr     netip.Addr // set for a Local PTR lookup built by QueryReverse

	// Remote Lookup only.
	query          *dns.Msg
	queryRaw       []byte
	id             uint16
	hasID          bool
	salt           uint16
	count          int
	last           time.Time
	state          lookupState
	truncated      *dns.Msg
	lastNameserver netip.AddrPort
	attemptStart   time.Time

	udpSubs []udpActiveSub

	tcpConn              *tcpConnection
	tcpSubscribedConnect bool
	tcpSubscribedID      bool
}

func newLookup(ctx *Context, name string, qtype uint16, bits query.Bits, handler Handler) *Lookup {
	l := &Lookup{
		ctx:     ctx,
		handler: handler,
		created: ctx.now(),
		name:    name,
		qtype:   qtype,
		bits:    bits,
		salt:    uint16(ctx.rng.Intn(65536)),
	}
	l.self = &LookupHandle{l: l}
	return l
}

// handle returns the stable LookupHandle for l.
func (l *Lookup) handle() *LookupHandle { return l.self }

// delay is the per-lookup scheduling function: how long from now until this
// lookup next needs execute() called, or 0 if it needs it right away (never
// attempted yet, or finished and pending removal).
func (l *Lookup) delay(now time.Time) time.Duration {
	if l.isLocal {
		return 0
	}
	switch l.state {
	case stateScheduled, stateFinished:
		return 0
	case stateAttempting:
		d := l.last.Add(l.ctx.cfg.Interval).Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	case stateExhausted, stateAwaitTCP:
		d := l.last.Add(l.ctx.cfg.Timeout).Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return 0
}

// execute advances l by one scheduling step. It is only ever called when
// delay(now) <= 0. calledUser reports whether it invoked the Handler; the
// per-tick callback budget is charged by deliver itself, not from this value.
func (l *Lookup) execute(now time.Time) (calledUser bool) {
	if l.isLocal {
		return l.executeLocal(now)
	}
	switch l.state {
	case stateScheduled:
		return l.executeScheduled(now)
	case stateAttempting:
		return l.executeAttempting(now)
	case stateExhausted:
		return l.executeExhausted(now)
	case stateAwaitTCP:
		return l.executeAwaitTCP(now)
	default:
		return false
	}
}

// executeLocal answers a Local Lookup out of Hosts within a single tick.
func (l *Lookup) executeLocal(now time.Time) bool {
	if l.qtype == dns.TypePTR {
		return l.deliver(OutcomeResolved, synthesizePTR(l.ptrAddr, l.ctx.hosts), 0)
	}
	return l.deliver(OutcomeResolved, synthesizeForward(l.name, l.qtype, l.hostsFamily, l.ctx.hosts), 0)
}

func (l *Lookup) executeScheduled(now time.Time) bool {
	ns := l.ctx.cfg.Nameservers
	if len(ns) == 0 {
		return l.deliver(OutcomeFailure, nil, dns.RcodeServerFailure)
	}
	id, ok := l.ctx.ids.Generate()
	if !ok {
		// No ID slot free right now; try again next tick. delay() keeps
		// returning 0 for SCHEDULED, so this lookup is revisited every tick
		// until an ID frees up (bounded by other lookups finishing).
		return false
	}
	l.id = id
	l.hasID = true
	l.query.Id = id
	raw, err := query.Pack(l.query)
	if err != nil {
		l.ctx.ids.Free(l.id)
		l.hasID = false
		return l.deliver(OutcomeFailure, nil, dns.RcodeServerFailure)
	}
	l.queryRaw = raw
	l.sendAttempt(now, 0)
	l.count = 1
	l.last = now
	l.state = stateAttempting
	return false
}

func (l *Lookup) executeAttempting(now time.Time) bool {
	if l.count >= l.ctx.cfg.Attempts {
		// No send, and last keeps its final-send timestamp: the EXHAUSTED
		// deadline is last send + Timeout, not this tick + Timeout.
		l.state = stateExhausted
		l.ctx.moveToWaiting(l)
		return false
	}
	l.sendAttempt(now, l.count)
	l.count++
	l.last = now
	return false
}

func (l *Lookup) executeExhausted(now time.Time) bool {
	l.publishLatency(false, "udp")
	return l.deliver(OutcomeTimeout, nil, 0)
}

func (l *Lookup) executeAwaitTCP(now time.Time) bool {
	// Timed out waiting on the TCP connect/roundtrip. A stashed truncated
	// UDP answer is still a usable, if incomplete, response.
	if l.truncated != nil {
		return l.deliver(OutcomeResolved, l.truncated, 0)
	}
	return l.deliver(OutcomeTimeout, nil, 0)
}

// selectNameserver picks the server for attempt k: k mod N normally, or
// (k+salt) mod N when Config.Rotate salts selection per lookup.
func (l *Lookup) selectNameserver(k int) netip.AddrPort {
	ns := l.ctx.cfg.Nameservers
	n := len(ns)
	idx := k % n
	if l.ctx.cfg.Rotate {
		idx = (k + int(l.salt)) % n
	}
	return ns[idx]
}

func (l *Lookup) sendAttempt(now time.Time, k int) {
	peer := l.selectNameserver(k)
	l.lastNameserver = peer
	l.attemptStart = now
	sock, err := l.ctx.udp.send(peer, l.queryRaw)
	if err != nil {
		return
	}
	for _, s := range l.udpSubs {
		if s.sock == sock && s.peer == peer {
			return // already subscribed on this (socket, peer); a retransmit
		}
	}
	sock.subscribe(peer, l.id, l)
	l.udpSubs = append(l.udpSubs, udpActiveSub{sock: sock, peer: peer})
}

// onUDPReceived is called by the scheduler once per matching datagram
// delivered to a socket l is subscribed on.
func (l *Lookup) onUDPReceived(peer netip.AddrPort, resp *dns.Msg) bool {
	if l.finished || !query.Matches(l.query, resp) {
		return false
	}
	l.publishLatency(true, "udp")
	if resp.Truncated {
		l.truncated = resp
		l.unsubscribeUDP()
		l.state = stateAwaitTCP
		l.last = l.ctx.now()
		l.ctx.moveToWaiting(l)
		l.ctx.tcp.escalate(peer, l)
		return false
	}
	return l.finishWithResponse(resp)
}

func (l *Lookup) onTCPConnected(c *tcpConnection) {
	if l.finished {
		return
	}
	l.tcpConn = c
	l.tcpSubscribedConnect = false
	c.sendQuery(l.id, l.queryRaw, l)
	l.tcpSubscribedID = true
	l.last = l.ctx.now()
}

func (l *Lookup) onTCPFailed() bool {
	if l.finished {
		return false
	}
	l.tcpConn = nil
	l.tcpSubscribedConnect = false
	l.tcpSubscribedID = false
	l.publishLatency(false, "tcp")
	if l.truncated != nil {
		return l.deliver(OutcomeResolved, l.truncated, 0)
	}
	return l.deliver(OutcomeTimeout, nil, 0)
}

func (l *Lookup) onTCPFrame(raw []byte) bool {
	if l.finished {
		return false
	}
	resp, ok := query.ParseResponse(raw)
	if !ok || !query.Matches(l.query, resp) {
		return false
	}
	l.publishLatency(true, "tcp")
	return l.finishWithResponse(resp)
}

// finishWithResponse applies NXDOMAIN/Hosts masking and delivers
// the final outcome.
func (l *Lookup) finishWithResponse(resp *dns.Msg) bool {
	final := resp
	if resp.Rcode == dns.RcodeNameError && l.ctx.hosts != nil && l.ctx.hosts.Has(l.name) {
		final = synthesizeForward(l.name, l.qtype, addressFamily(l.qtype), l.ctx.hosts)
	}
	if final.Rcode != dns.RcodeSuccess {
		return l.deliver(OutcomeFailure, final, final.Rcode)
	}
	return l.deliver(OutcomeResolved, final, 0)
}

// publishLatency reports the outcome of the lookup's most recent send
// through Config.OnLatencySample, when configured. The core never depends on
// this call's side effects.
func (l *Lookup) publishLatency(success bool, proto string) {
	if l.ctx.cfg.OnLatencySample == nil || l.attemptStart.IsZero() {
		return
	}
	l.ctx.cfg.OnLatencySample(LatencySample{
		Nameserver: l.lastNameserver,
		RTT:        l.ctx.now().Sub(l.attemptStart),
		Success:    success,
		Proto:      proto,
	})
}

func (l *Lookup) unsubscribeUDP() {
	for _, s := range l.udpSubs {
		s.sock.unsubscribe(s.peer, l.id, l)
	}
	l.udpSubs = nil
}

func (l *Lookup) unsubscribeTCP() {
	if l.tcpConn == nil {
		return
	}
	if l.tcpSubscribedConnect {
		l.tcpConn.unsubscribeConnect(l)
	}
	if l.tcpSubscribedID {
		l.tcpConn.unsubscribeID(l.id, l)
	}
	l.tcpConn = nil
	l.tcpSubscribedConnect = false
	l.tcpSubscribedID = false
}

// finalize releases every resource l holds — subscriptions, its query ID,
// queue membership — without invoking the handler. It is idempotent so that
// Cancel, deliver and Context.Close can all call it safely regardless of
// order.
func (l *Lookup) finalize() {
	if l.queue != nil {
		l.queue.remove(l)
	}
	l.unsubscribeUDP()
	l.unsubscribeTCP()
	if l.hasID {
		l.ctx.ids.Free(l.id)
		l.hasID = false
	}
}

// deliver finalizes l (if not already finished) and invokes the matching
// Handler method exactly once, charging Context's per-tick callback budget
// through chargeCallback first. It reports whether it actually called the
// handler.
func (l *Lookup) deliver(outcome Outcome, resp *dns.Msg, rcode int) bool {
	if l.finished {
		return false
	}
	l.finalize()
	l.finished = true
	l.state = stateFinished
	wasCounted := l.counted
	l.counted = false
	h := l.handler
	l.handler = nil
	l.ctx.onLookupFinished(l, wasCounted)
	if h == nil {
		return false
	}
	l.ctx.chargeCallback()
	switch outcome {
	case OutcomeResolved:
		h.OnResolved(l.self, resp)
	case OutcomeFailure:
		h.OnFailure(l.self, rcode)
	case OutcomeTimeout:
		h.OnTimeout(l.self)
	case OutcomeCancelled:
		h.OnCancelled(l.self)
	}
	return true
}

func addressFamily(qtype uint16) int {
	switch qtype {
	case dns.TypeA:
		return 4
	case dns.TypeAAAA:
		return 6
	default:
		return 0
	}
}

// synthesizeForward builds a Resolved response out of Hosts for an A/AAAA
// query, or an empty NOERROR/NODATA response if Hosts has no entry of the
// requested family — the two ways NXDOMAIN masking can resolve.
func synthesizeForward(name string, qtype uint16, family int, hosts *Hosts) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}}
	m.Rcode = dns.RcodeSuccess
	m.Response = true
	if hosts == nil || family == 0 {
		return m
	}
	addrs, ok := hosts.Lookup(name, family)
	if !ok {
		return m
	}
	for _, addr := range addrs {
		if family == 4 {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
				A:   addr.AsSlice(),
			})
		} else {
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
				AAAA: addr.AsSlice(),
			})
		}
	}
	return m
}

// synthesizePTR builds a Resolved PTR response out of Hosts for a Local
// reverse lookup of addr.
func synthesizePTR(addr netip.Addr, hosts *Hosts) *dns.Msg {
	reverseName, _ := dns.ReverseAddr(addr.String())
	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: reverseName, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}
	m.Rcode = dns.RcodeSuccess
	m.Response = true
	if hosts == nil {
		return m
	}
	name, ok := hosts.ReverseLookup(addr)
	if !ok {
		return m
	}
	m.Answer = append(m.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: reverseName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 0},
		Ptr: dns.Fqdn(name),
	})
	return m
}
