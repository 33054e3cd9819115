package resolver

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/stubresolver/resolver/query"
)

// capturingHandler records which Handler method fired and with what.
type capturingHandler struct {
	resolved  *dns.Msg
	failure   *int
	timedOut  bool
	cancelled bool
}

func (h *capturingHandler) OnResolved(_ *LookupHandle, resp *dns.Msg) { h.resolved = resp }
func (h *capturingHandler) OnFailure(_ *LookupHandle, rcode int)      { r := rcode; h.failure = &r }
func (h *capturingHandler) OnTimeout(_ *LookupHandle)                 { h.timedOut = true }
func (h *capturingHandler) OnCancelled(_ *LookupHandle)               { h.cancelled = true }

func mustAddrPort(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

// newTCPTestContext builds a real Context on a fake Reactor — no real
// socket or epoll instance is needed to exercise tcp.go's bookkeeping and
// lookup.go's onTCPConnected/onTCPFrame/onTCPFailed dispatch, since those
// only ever touch ctx's in-memory queues/ID allocator, never the reactor
// itself directly.
func newTCPTestContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := New(newFakeReactor(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

// newAwaitTCPLookup builds a remote Lookup already admitted and parked in
// stateAwaitTCP, as a truncated UDP response leaves it after escalating,
// ready to be driven directly against a tcpConnection without going through
// UDP at all.
func newAwaitTCPLookup(t *testing.T, ctx *Context, name string) (*Lookup, *capturingHandler) {
	t.Helper()
	id, ok := ctx.ids.Generate()
	require.True(t, ok)
	q, err := ctx.builder.Build(id, name, dns.TypeA, query.RD)
	require.NoError(t, err)
	raw, err := q.Pack()
	require.NoError(t, err)

	h := &capturingHandler{}
	l := &Lookup{
		ctx:      ctx,
		handler:  h,
		name:     name,
		qtype:    dns.TypeA,
		query:    q,
		queryRaw: raw,
		id:       id,
		hasID:    true,
		state:    stateAwaitTCP,
		counted:  true,
		last:     ctx.now(),
	}
	l.self = &LookupHandle{l: l}
	ctx.remoteActive++
	return l, h
}

func packAnswer(t *testing.T, query *dns.Msg, ip string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetReply(query)
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(ip),
	}}
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func TestParseResponseHeaderID(t *testing.T) {
	id, ok := parseResponseHeaderID([]byte{0x12, 0x34, 0x00, 0x00})
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), id)

	_, ok = parseResponseHeaderID([]byte{0x01})
	assert.False(t, ok, "a frame shorter than the 2-byte ID field must not parse")
}

func TestTCPConnectionSendQueryQueuesOnIDCollision(t *testing.T) {
	ctx := newTCPTestContext(t)
	l1, _ := newAwaitTCPLookup(t, ctx, "one.example.")
	l2, _ := newAwaitTCPLookup(t, ctx, "two.example.")
	l2.id = l1.id // force a collision on purpose; distinct lookups normally never share an id

	c := &tcpConnection{
		subsByID:      make(map[uint16][]*Lookup),
		sendQueueByID: make(map[uint16][][]byte),
		writeCh:       make(chan []byte, 4),
		closeCh:       make(chan struct{}),
	}

	c.sendQuery(l1.id, l1.queryRaw, l1)
	assert.Len(t, c.subsByID[l1.id], 1)
	select {
	case frame := <-c.writeCh:
		assert.Equal(t, l1.queryRaw, frame)
	default:
		t.Fatal("first sendQuery for a free id must write immediately")
	}

	c.sendQuery(l2.id, l2.queryRaw, l2)
	assert.Len(t, c.subsByID[l1.id], 2, "second subscriber on a busy id is added to subsByID")
	assert.Equal(t, [][]byte{l2.queryRaw}, c.sendQueueByID[l1.id], "second query on a busy id is queued, not written")
}

func TestTCPConnectionUnsubscribeID(t *testing.T) {
	ctx := newTCPTestContext(t)
	l1, _ := newAwaitTCPLookup(t, ctx, "one.example.")
	l2, _ := newAwaitTCPLookup(t, ctx, "two.example.")
	l2.id = l1.id

	c := &tcpConnection{
		subsByID:      map[uint16][]*Lookup{l1.id: {l1, l2}},
		sendQueueByID: make(map[uint16][][]byte),
	}

	c.unsubscribeID(l1.id, l1)
	assert.Equal(t, []*Lookup{l2}, c.subsByID[l1.id])

	c.unsubscribeID(l1.id, l2)
	_, present := c.subsByID[l1.id]
	assert.False(t, present, "the id's entry must be deleted once its last subscriber leaves")
}

func TestTCPConnectionUnsubscribeConnect(t *testing.T) {
	ctx := newTCPTestContext(t)
	l1, _ := newAwaitTCPLookup(t, ctx, "one.example.")
	l2, _ := newAwaitTCPLookup(t, ctx, "two.example.")

	c := &tcpConnection{connectSubs: []*Lookup{l1, l2}}
	c.unsubscribeConnect(l1)
	assert.Equal(t, []*Lookup{l2}, c.connectSubs)
}

func TestTCPConnectionIdle(t *testing.T) {
	ctx := newTCPTestContext(t)
	l1, _ := newAwaitTCPLookup(t, ctx, "one.example.")

	c := &tcpConnection{subsByID: make(map[uint16][]*Lookup), sendQueueByID: make(map[uint16][][]byte)}
	assert.True(t, c.idle())

	c.connectSubs = append(c.connectSubs, l1)
	assert.False(t, c.idle())
	c.connectSubs = nil

	c.subsByID[l1.id] = []*Lookup{l1}
	assert.False(t, c.idle())
}

// TestTCPPoolHandleEventFrameResolvesLookup drives a synthetic tcpEventFrame
// through tcpPool.handleEvent end to end, the awaitTCP -> finished path,
// without any real network connection:
// dispatchFrame looks the id up in subsByID and calls the real
// Lookup.onTCPFrame, exactly as the background tcpReader goroutine would
// after a truncated UDP response escalated to TCP.
func TestTCPPoolHandleEventFrameResolvesLookup(t *testing.T) {
	ctx := newTCPTestContext(t)
	l, h := newAwaitTCPLookup(t, ctx, "truncated.example.")

	conn := &tcpConnection{
		peer:          mustAddrPort("127.0.0.1:53"),
		state:         tcpConnected,
		subsByID:      make(map[uint16][]*Lookup),
		sendQueueByID: make(map[uint16][][]byte),
		writeCh:       make(chan []byte, 4),
		closeCh:       make(chan struct{}),
	}
	ctx.tcp.conns[conn.peer] = conn
	conn.subsByID[l.id] = []*Lookup{l}
	l.tcpConn = conn
	l.tcpSubscribedID = true

	frame := packAnswer(t, l.query, "203.0.113.9")
	ctx.tcp.handleEvent(tcpEvent{conn: conn, kind: tcpEventFrame, frame: frame})

	require.NotNil(t, h.resolved, "a matching frame must resolve the lookup via OnResolved")
	require.Len(t, h.resolved.Answer, 1)
	assert.True(t, l.finished)
	_, stillSubscribed := conn.subsByID[l.id]
	assert.False(t, stillSubscribed, "the connection must drop the id's subscriber list once dispatched")
}

// TestTCPPoolHandleEventConnectFailedDeliversStashedTruncated exercises the
// "TCP connect fails, fall back to the truncated UDP answer" edge case.
func TestTCPPoolHandleEventConnectFailedDeliversStashedTruncated(t *testing.T) {
	ctx := newTCPTestContext(t)
	l, h := newAwaitTCPLookup(t, ctx, "truncated.example.")
	l.truncated = l.query // stand-in truncated response stashed from the UDP attempt

	conn := &tcpConnection{
		peer:          mustAddrPort("127.0.0.1:53"),
		state:         tcpConnecting,
		subsByID:      make(map[uint16][]*Lookup),
		sendQueueByID: make(map[uint16][][]byte),
		writeCh:       make(chan []byte, 4),
		closeCh:       make(chan struct{}),
	}
	ctx.tcp.conns[conn.peer] = conn
	conn.connectSubs = append(conn.connectSubs, l)

	ctx.tcp.handleEvent(tcpEvent{conn: conn, kind: tcpEventConnectFailed})

	require.NotNil(t, h.resolved, "connect failure with a stashed truncated answer must still resolve, not time out")
	assert.Same(t, l.truncated, h.resolved)
	_, stillPooled := ctx.tcp.conns[conn.peer]
	assert.False(t, stillPooled, "a failed connect must be evicted from the pool")
}

// TestTCPPoolHandleEventClosedTimesOutWithNoStash covers the case with no
// truncated answer to fall back on: a lost connection mid-flight times the
// lookup out rather than resolving it.
func TestTCPPoolHandleEventClosedTimesOutWithNoStash(t *testing.T) {
	ctx := newTCPTestContext(t)
	l, h := newAwaitTCPLookup(t, ctx, "lost.example.")

	conn := &tcpConnection{
		peer:          mustAddrPort("127.0.0.1:53"),
		state:         tcpConnected,
		subsByID:      map[uint16][]*Lookup{l.id: {l}},
		sendQueueByID: make(map[uint16][][]byte),
		writeCh:       make(chan []byte, 4),
		closeCh:       make(chan struct{}),
	}
	ctx.tcp.conns[conn.peer] = conn
	l.tcpConn = conn
	l.tcpSubscribedID = true

	ctx.tcp.handleEvent(tcpEvent{conn: conn, kind: tcpEventClosed})

	assert.True(t, h.timedOut)
	assert.True(t, l.finished)
}
