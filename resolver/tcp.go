package resolver

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
)

// tcpState is the connection lifecycle.
type tcpState int

const (
	tcpConnecting tcpState = iota
	tcpConnected
	tcpLost
	tcpClosed
	tcpFailed
)

// tcpEventKind tags what happened to produce a tcpEvent.
type tcpEventKind int

const (
	tcpEventConnected tcpEventKind = iota
	tcpEventConnectFailed
	tcpEventFrame
	tcpEventClosed
)

// tcpEvent crosses from a connection's background I/O goroutines to the
// cooperative scheduler thread. Everything about the connection's
// subscriber bookkeeping is owned by the thread processing these events;
// the goroutines that produce them touch only the net.Conn.
type tcpEvent struct {
	conn  *tcpConnection
	kind  tcpEventKind
	frame []byte
	err   error
}

// tcpConnection is one TCP connection to a peer, shared across every
// concurrent lookup escalating to that peer: at most one connection per
// peer-IP exists within a Context.
//
// Apart from close(), which the scheduler thread calls to shut the net.Conn
// and stop them, only the goroutines started by dial call net.Conn methods;
// the scheduler thread otherwise touches only state, subsByID,
// sendQueueByID, connectSubs and the writeCh/closeCh channels, all of which
// are safe because tcpEvent delivery is the only crossing point and events
// are processed one at a time on that thread.
type tcpConnection struct {
	peer  netip.AddrPort
	conn  net.Conn
	state tcpState

	subsByID      map[uint16][]*Lookup
	sendQueueByID map[uint16][][]byte // frames queued behind an in-flight id
	connectSubs   []*Lookup

	writeCh chan []byte
	closeCh chan struct{}
}

// tcpPool owns at most one tcpConnection per peer within a Context.
type tcpPool struct {
	ctx   *Context
	conns map[netip.AddrPort]*tcpConnection
}

func newTCPPool(ctx *Context) *tcpPool {
	return &tcpPool{ctx: ctx, conns: make(map[netip.AddrPort]*tcpConnection)}
}

// escalate starts (or joins) the TCP connection to peer on behalf of l:
// subscribe for connect completion; l is notified via
// onTCPConnected/onTCPFailed once the background dial resolves.
func (p *tcpPool) escalate(peer netip.AddrPort, l *Lookup) {
	conn, ok := p.conns[peer]
	if !ok {
		conn = p.dial(peer)
		p.conns[peer] = conn
	}
	switch conn.state {
	case tcpConnected:
		l.onTCPConnected(conn)
	case tcpFailed, tcpLost, tcpClosed:
		l.onTCPFailed()
	default: // tcpConnecting
		conn.connectSubs = append(conn.connectSubs, l)
		l.tcpConn = conn
		l.tcpSubscribedConnect = true
	}
}

func (p *tcpPool) dial(peer netip.AddrPort) *tcpConnection {
	c := &tcpConnection{
		peer:          peer,
		state:         tcpConnecting,
		subsByID:      make(map[uint16][]*Lookup),
		sendQueueByID: make(map[uint16][][]byte),
		writeCh:       make(chan []byte, 64),
		closeCh:       make(chan struct{}),
	}
	timeout := p.ctx.cfg.TCPTimeout
	addr := peer.String()
	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			p.ctx.postTCPEvent(tcpEvent{conn: c, kind: tcpEventConnectFailed, err: err})
			return
		}
		c.conn = conn
		p.ctx.postTCPEvent(tcpEvent{conn: c, kind: tcpEventConnected})
		go tcpWriter(conn, c.writeCh, c.closeCh)
		tcpReader(p.ctx, conn, c)
	}()
	return c
}

// tcpWriter serializes writes onto conn: a 2-byte big-endian length prefix
// followed by the message. TCP send is deliberately
// blocking at the syscall level — DNS TCP messages are small, so a
// dedicated goroutine per connection is cheap and keeps the scheduler
// thread from ever touching a socket write directly.
func tcpWriter(conn net.Conn, writeCh chan []byte, closeCh chan struct{}) {
	var prefix [2]byte
	for {
		select {
		case frame, ok := <-writeCh:
			if !ok {
				return
			}
			binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
			if _, err := conn.Write(prefix[:]); err != nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

// tcpReader blocks reading length-prefixed frames and posts one tcpEvent
// per complete frame, until the connection errors or is closed.
func tcpReader(ctx *Context, conn net.Conn, c *tcpConnection) {
	var prefix [2]byte
	for {
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			ctx.postTCPEvent(tcpEvent{conn: c, kind: tcpEventClosed, err: err})
			return
		}
		n := binary.BigEndian.Uint16(prefix[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			ctx.postTCPEvent(tcpEvent{conn: c, kind: tcpEventClosed, err: err})
			return
		}
		ctx.postTCPEvent(tcpEvent{conn: c, kind: tcpEventFrame, frame: frame})
	}
}

// sendQuery writes q (already packed, without the length prefix) for
// lookup l, which expects replies carrying id. If id already has an
// in-flight subscriber on this connection the send is queued behind it:
// the id is the only demux key DNS-over-TCP offers, so two queries sharing
// one id must not be in flight on the same connection at once. The
// randomized allocator never hands out an id that is still in flight; with
// the monotonic allocator a collision needs its 16-bit counter to wrap while
// the earlier lookup is still on this connection, and the queue keeps that
// safe.
func (c *tcpConnection) sendQuery(id uint16, raw []byte, l *Lookup) {
	if subs, busy := c.subsByID[id]; busy && len(subs) > 0 {
		c.sendQueueByID[id] = append(c.sendQueueByID[id], raw)
		c.subsByID[id] = append(c.subsByID[id], l)
		return
	}
	c.subsByID[id] = append(c.subsByID[id], l)
	select {
	case c.writeCh <- raw:
	default:
		// Writer backed up; treat as a dropped send, same as a UDP write
		// error — the lookup's own timeout will eventually fire.
	}
}

// unsubscribeID removes l from the id's subscriber list.
func (c *tcpConnection) unsubscribeID(id uint16, l *Lookup) {
	subs := c.subsByID[id]
	for i, s := range subs {
		if s == l {
			c.subsByID[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subsByID[id]) == 0 {
		delete(c.subsByID, id)
	}
}

// unsubscribeConnect removes l from the connect-completion waiter list.
func (c *tcpConnection) unsubscribeConnect(l *Lookup) {
	for i, s := range c.connectSubs {
		if s == l {
			c.connectSubs = append(c.connectSubs[:i], c.connectSubs[i+1:]...)
			return
		}
	}
}

func (c *tcpConnection) idle() bool {
	return len(c.subsByID) == 0 && len(c.connectSubs) == 0
}

func (c *tcpConnection) close() {
	if c.state == tcpClosed {
		return
	}
	c.state = tcpClosed
	close(c.closeCh)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// handleEvent processes one tcpEvent on the scheduler thread, dispatching
// to whichever lookups are waiting, then closes the connection if no
// subscriber remains.
func (p *tcpPool) handleEvent(ev tcpEvent) {
	c := ev.conn
	if c.state == tcpClosed {
		// Already torn down, so no subscriber remains: this is a late event
		// from the connection's goroutines, e.g. the reader's tcpEventClosed
		// after close() shut the net.Conn.
		return
	}
	switch ev.kind {
	case tcpEventConnected:
		c.state = tcpConnected
		subs := c.connectSubs
		c.connectSubs = nil
		for _, l := range subs {
			l.onTCPConnected(c)
		}
	case tcpEventConnectFailed:
		c.state = tcpFailed
		delete(p.conns, c.peer)
		subs := c.connectSubs
		c.connectSubs = nil
		for _, l := range subs {
			l.onTCPFailed()
		}
	case tcpEventFrame:
		p.dispatchFrame(c, ev.frame)
	case tcpEventClosed:
		c.state = tcpLost
		delete(p.conns, c.peer)
		for id, subs := range c.subsByID {
			for _, l := range subs {
				l.onTCPFailed()
			}
			delete(c.subsByID, id)
		}
		connectSubs := c.connectSubs
		c.connectSubs = nil
		for _, l := range connectSubs {
			l.onTCPFailed()
		}
	}
	if c.state != tcpClosed && c.idle() {
		c.close()
		delete(p.conns, c.peer)
	}
}

func (p *tcpPool) dispatchFrame(c *tcpConnection, frame []byte) {
	id, ok := parseResponseHeaderID(frame)
	if !ok {
		return
	}
	// Iterate over a copy: a subscriber that accepts the frame finishes and
	// removes itself from subsByID via finalize. One that rejects it (a
	// queued collision victim whose own reply hasn't arrived yet, or a
	// non-matching question section) stays subscribed.
	subs := append([]*Lookup(nil), c.subsByID[id]...)
	for _, l := range subs {
		l.onTCPFrame(frame)
	}
	if queued := c.sendQueueByID[id]; len(queued) > 0 {
		next := queued[0]
		c.sendQueueByID[id] = queued[1:]
		if len(c.sendQueueByID[id]) == 0 {
			delete(c.sendQueueByID, id)
		}
		select {
		case c.writeCh <- next:
		default:
		}
	}
}

// parseResponseHeaderID reads just the 16-bit transaction ID from a raw DNS
// message. It only needs the first two bytes of the wire header.
func parseResponseHeaderID(frame []byte) (uint16, bool) {
	if len(frame) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(frame[:2]), true
}

// closeAll tears down every pooled connection; used by Context.Close. It
// does not notify subscribers — on context destruction no user handler may
// be invoked.
func (p *tcpPool) closeAll() {
	for peer, c := range p.conns {
		c.close()
		delete(p.conns, peer)
	}
}
