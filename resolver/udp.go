package resolver

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/jroosing/stubresolver/internal/pool"
)

// recvBufPool recycles the scratch buffers drain uses to read datagrams off
// the wire, avoiding a 64KiB allocation on every readable-fd callback.
var recvBufPool = pool.NewByteSlicePool(65535)

// udpSubKey demultiplexes inbound datagrams to subscribed lookups by
// (query-ID, peer-IP).
type udpSubKey struct {
	id   uint16
	peer netip.AddrPort
}

// datagram is one inbound UDP packet buffered by a socket's receive loop
// until the scheduler has budget to process it.
type datagram struct {
	peer netip.AddrPort
	data []byte
}

// udpSocket is one UDP socket in the transport pool, and the opaque handle
// through which subscriptions on this socket are managed.
type udpSocket struct {
	conn  *net.UDPConn
	v6    bool
	token Token

	subs    map[udpSubKey][]*Lookup
	pending []datagram

	recvBufSize int
}

func (s *udpSocket) subscribe(peer netip.AddrPort, id uint16, l *Lookup) {
	key := udpSubKey{id: id, peer: peer}
	s.subs[key] = append(s.subs[key], l)
}

func (s *udpSocket) unsubscribe(peer netip.AddrPort, id uint16, l *Lookup) {
	key := udpSubKey{id: id, peer: peer}
	subs := s.subs[key]
	for i, sub := range subs {
		if sub == l {
			s.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}

// udpTransport is the UDP socket pool: one or more sockets per address
// family, opened lazily, round-robined on send to widen (source-port, id)
// entropy.
type udpTransport struct {
	ctx *Context

	v4 []*udpSocket
	v6 []*udpSocket

	nextV4 int
	nextV6 int

	socketCount int
	recvBufSize int
}

func newUDPTransport(ctx *Context, socketCount, recvBufSize int) *udpTransport {
	if socketCount <= 0 {
		socketCount = 1
	}
	return &udpTransport{ctx: ctx, socketCount: socketCount, recvBufSize: recvBufSize}
}

// setSocketCount increases the number of sockets opened per family on demand; it
// may only grow the pool.
func (t *udpTransport) setSocketCount(n int) {
	if n > t.socketCount {
		t.socketCount = n
	}
}

func (t *udpTransport) poolFor(v6 bool) ([]*udpSocket, error) {
	pool := &t.v4
	network := "udp4"
	if v6 {
		pool = &t.v6
		network = "udp6"
	}
	for len(*pool) < t.socketCount {
		sock, err := t.openSocket(network, v6)
		if err != nil {
			if len(*pool) > 0 {
				break // partial pool is acceptable
			}
			return nil, err
		}
		*pool = append(*pool, sock)
	}
	return *pool, nil
}

func (t *udpTransport) openSocket(network string, v6 bool) (*udpSocket, error) {
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, err
	}
	if t.recvBufSize > 0 {
		_ = conn.SetReadBuffer(t.recvBufSize)
	}
	sock := &udpSocket{conn: conn, v6: v6, subs: make(map[udpSubKey][]*Lookup), recvBufSize: t.recvBufSize}
	if t.ctx.reactor != nil {
		rawConn, err := conn.SyscallConn()
		if err == nil {
			var fd int
			_ = rawConn.Control(func(sysfd uintptr) { fd = int(sysfd) })
			token, err := t.ctx.reactor.Add(fd, Readable, func(Events) { t.ctx.onUDPReadable(sock) })
			if err == nil {
				sock.token = token
			}
		}
	}
	return sock, nil
}

// send picks the next socket for peer's family via round-robin, writes raw,
// and returns the socket so the caller can record a subscription on it. A
// write error is non-fatal: it is swallowed here and the
// lookup simply receives no response, relying on its own timeout.
func (t *udpTransport) send(peer netip.AddrPort, raw []byte) (*udpSocket, error) {
	v6 := peer.Addr().Is6() && !peer.Addr().Is4In6()
	pool, err := t.poolFor(v6)
	if err != nil {
		return nil, err
	}
	var sock *udpSocket
	if v6 {
		sock = pool[t.nextV6%len(pool)]
		t.nextV6++
	} else {
		sock = pool[t.nextV4%len(pool)]
		t.nextV4++
	}
	addr := net.UDPAddrFromAddrPort(peer)
	_, _ = sock.conn.WriteToUDP(raw, addr) // non-fatal; see doc comment
	return sock, nil
}

// drain reads every buffered datagram off sock into the socket's pending
// FIFO without interpreting it, stopping at EAGAIN. Interpretation and
// dispatch to subscribers happens later, bounded by the scheduler's
// per-tick budget.
//
// This goes through SyscallConn rather than net.UDPConn.ReadFrom because a
// cooperative core can never park a goroutine in the runtime poller waiting
// for more data: recvfrom on the (already non-blocking) fd returns EAGAIN
// the moment the socket is empty, and the reactor's level-triggered watch
// re-fires if anything arrives after the loop bails out.
func (t *udpTransport) drain(sock *udpSocket) {
	buf := recvBufPool.Get()
	defer recvBufPool.Put(buf)
	rc, err := sock.conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Read(func(fd uintptr) bool {
		for {
			n, from, rerr := unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			if rerr != nil || n < 0 {
				return true // EAGAIN or a dead socket; yield to the reactor either way
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if peer, ok := sockaddrToAddrPort(from); ok {
				sock.pending = append(sock.pending, datagram{peer: peer, data: data})
			}
		}
	})
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port)), true
	}
	return netip.AddrPort{}, false
}

// closeAll releases every socket in the pool.
func (t *udpTransport) closeAll() {
	for _, s := range t.v4 {
		if t.ctx.reactor != nil {
			_ = t.ctx.reactor.Remove(s.token, fdOf(s.conn))
		}
		_ = s.conn.Close()
	}
	for _, s := range t.v6 {
		if t.ctx.reactor != nil {
			_ = t.ctx.reactor.Remove(s.token, fdOf(s.conn))
		}
		_ = s.conn.Close()
	}
	t.v4, t.v6 = nil, nil
}

func fdOf(conn *net.UDPConn) int {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = rawConn.Control(func(sysfd uintptr) { fd = int(sysfd) })
	return fd
}
