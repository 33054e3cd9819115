package resolver_test

import (
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/stubresolver/reactor/epoll"
	"github.com/jroosing/stubresolver/resolver"
	"github.com/jroosing/stubresolver/resolver/query"
)

// fakeServer is a minimal UDP nameserver used to drive the scheduler end to
// end: every test wires a real Context to a real (loopback) socket rather
// than mocking the scheduler's internals.
type fakeServer struct {
	conn *net.UDPConn
	addr netip.AddrPort
}

// newFakeServer starts a UDP server that answers each query with whatever
// respond returns; returning nil drops the query silently.
func newFakeServer(t *testing.T, respond func(q *dns.Msg) *dns.Msg) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	local := conn.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := respond(q)
			if resp == nil {
				continue
			}
			raw, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(raw, peer)
		}
	}()

	return &fakeServer{conn: conn, addr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(local.Port))}
}

func (s *fakeServer) close() { _ = s.conn.Close() }

func answerA(ip string) func(*dns.Msg) *dns.Msg {
	return func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip),
		}}
		return resp
	}
}

func nxdomain() func(*dns.Msg) *dns.Msg {
	return func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeNameError
		return resp
	}
}

func newTestContext(t *testing.T, cfg resolver.Config, opts ...resolver.Option) (*resolver.Context, func()) {
	t.Helper()
	react, err := epoll.New()
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() { _ = react.Run(stop) }()

	ctx, err := resolver.New(react, cfg, opts...)
	require.NoError(t, err)

	return ctx, func() {
		ctx.Close()
		close(stop)
		_ = react.Close()
	}
}

func fastTestConfig(servers ...netip.AddrPort) resolver.Config {
	cfg := resolver.DefaultConfig()
	cfg.Nameservers = servers
	cfg.Interval = 50 * time.Millisecond
	cfg.Timeout = 400 * time.Millisecond
	cfg.Attempts = 3
	return cfg
}

func TestQueryResolvesOverUDP(t *testing.T) {
	srv := newFakeServer(t, answerA("93.184.216.34"))
	defer srv.close()

	cfg := fastTestConfig(srv.addr)

	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("example.com", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(op *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
		Failure:  func(op *resolver.LookupHandle, rcode int) { done <- nil },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		require.Len(t, resp.Answer, 1)
		a, ok := resp.Answer[0].(*dns.A)
		require.True(t, ok)
		require.Equal(t, "93.184.216.34", a.A.String())
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestFirstServerSilentSecondAnswers(t *testing.T) {
	silent := newFakeServer(t, func(*dns.Msg) *dns.Msg { return nil })
	defer silent.close()
	answering := newFakeServer(t, answerA("198.51.100.7"))
	defer answering.close()

	cfg := fastTestConfig(silent.addr, answering.addr)
	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("example.net", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(op *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		a := resp.Answer[0].(*dns.A)
		require.Equal(t, "198.51.100.7", a.A.String())
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestNXDOMAINMaskedByHosts(t *testing.T) {
	srv := newFakeServer(t, nxdomain())
	defer srv.close()

	hosts := resolver.NewHosts()
	hosts.Add("blocked.example", netip.MustParseAddr("127.0.0.2"))

	cfg := fastTestConfig(srv.addr)
	ctx, cleanup := newTestContext(t, cfg, resolver.WithHosts(hosts))
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("blocked.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(op *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
		Failure:  func(op *resolver.LookupHandle, rcode int) { done <- nil },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		require.Len(t, resp.Answer, 1)
		a := resp.Answer[0].(*dns.A)
		require.Equal(t, "127.0.0.2", a.A.String())
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestCancelIsIdempotentAndSuppressesCallback(t *testing.T) {
	srv := newFakeServer(t, func(*dns.Msg) *dns.Msg { return nil }) // never answers
	defer srv.close()

	cfg := fastTestConfig(srv.addr)
	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	calls := make(chan string, 4)
	handle := ctx.Query("slow.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved:  func(*resolver.LookupHandle, *dns.Msg) { calls <- "resolved" },
		Failure:   func(*resolver.LookupHandle, int) { calls <- "failure" },
		Timeout:   func(*resolver.LookupHandle) { calls <- "timeout" },
		Cancelled: func(*resolver.LookupHandle) { calls <- "cancelled" },
	})

	handle.Cancel()
	handle.Cancel() // idempotent: must not produce a second callback

	select {
	case kind := <-calls:
		require.Equal(t, "cancelled", kind)
	case <-time.After(1 * time.Second):
		t.Fatal("cancel never delivered a callback")
	}

	select {
	case kind := <-calls:
		t.Fatalf("unexpected second callback: %s", kind)
	case <-time.After(600 * time.Millisecond):
	}
}

// truncateAll makes a respond function whose answers always carry TC=1 and
// no records, forcing every lookup that hits it into the TCP escalation
// path.
func truncateAll() func(*dns.Msg) *dns.Msg {
	return func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Truncated = true
		return resp
	}
}

// newFakeTCPServer listens on addr (the same host:port a fakeServer already
// answers UDP on -- the two protocols share a port number freely) and serves
// length-prefixed DNS over each accepted connection.
func newFakeTCPServer(t *testing.T, addr netip.AddrPort, respond func(q *dns.Msg) *dns.Msg) func() {
	t.Helper()
	ln, err := net.Listen("tcp4", addr.String())
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				prefix := make([]byte, 2)
				for {
					if _, err := io.ReadFull(conn, prefix); err != nil {
						return
					}
					frame := make([]byte, int(prefix[0])<<8|int(prefix[1]))
					if _, err := io.ReadFull(conn, frame); err != nil {
						return
					}
					q := new(dns.Msg)
					if err := q.Unpack(frame); err != nil {
						continue
					}
					resp := respond(q)
					if resp == nil {
						continue
					}
					raw, err := resp.Pack()
					if err != nil {
						continue
					}
					out := make([]byte, 2+len(raw))
					out[0], out[1] = byte(len(raw)>>8), byte(len(raw))
					copy(out[2:], raw)
					if _, err := conn.Write(out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return func() { _ = ln.Close() }
}

func TestTruncatedUDPEscalatesToTCP(t *testing.T) {
	srv := newFakeServer(t, truncateAll())
	defer srv.close()
	stopTCP := newFakeTCPServer(t, srv.addr, answerA("192.0.2.44"))
	defer stopTCP()

	cfg := fastTestConfig(srv.addr)
	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("big.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
		Failure:  func(_ *resolver.LookupHandle, _ int) { done <- nil },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		require.False(t, resp.Truncated, "the TCP answer, not the truncated UDP one, must be delivered")
		require.Len(t, resp.Answer, 1)
		a := resp.Answer[0].(*dns.A)
		require.Equal(t, "192.0.2.44", a.A.String())
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestTruncatedDeliveredWhenTCPConnectFails(t *testing.T) {
	// UDP answers with TC=1, but nothing listens on the TCP side: the
	// stashed truncated response is the best effort and must be delivered
	// through OnResolved with TC still set.
	srv := newFakeServer(t, truncateAll())
	defer srv.close()

	cfg := fastTestConfig(srv.addr)
	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("big.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
		Timeout:  func(_ *resolver.LookupHandle) { done <- nil },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp, "connect failure with a stashed truncated answer must resolve, not time out")
		require.True(t, resp.Truncated)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestOverflowPressurePromotesFIFO(t *testing.T) {
	srv := newFakeServer(t, answerA("203.0.113.5"))
	defer srv.close()

	cfg := fastTestConfig(srv.addr)
	cfg.Capacity = 2

	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	const total = 7
	done := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		ctx.Query("overflow.example", dns.TypeA, query.RD, resolver.FuncHandler{
			Resolved: func(_ *resolver.LookupHandle, _ *dns.Msg) { done <- struct{}{} },
			Failure:  func(_ *resolver.LookupHandle, _ int) { done <- struct{}{} },
		})
	}

	for i := 0; i < total; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d admissions completed; overflow promotion stalled", i, total)
		}
	}
}

func TestQueryAndCancelFromWithinCallback(t *testing.T) {
	srv := newFakeServer(t, answerA("198.51.100.1"))
	defer srv.close()

	cfg := fastTestConfig(srv.addr)
	ctx, cleanup := newTestContext(t, cfg)
	defer cleanup()

	second := make(chan struct{}, 1)
	handle := ctx.Query("first.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(op *resolver.LookupHandle, _ *dns.Msg) {
			// Re-entering the scheduler from inside a callback must be safe,
			// and cancelling the already-finished first lookup is a no-op.
			ctx.Query("second.example", dns.TypeA, query.RD, resolver.FuncHandler{
				Resolved: func(_ *resolver.LookupHandle, _ *dns.Msg) { second <- struct{}{} },
			})
			op.Cancel()
		},
		Cancelled: func(_ *resolver.LookupHandle) {
			t.Error("cancel from inside the lookup's own callback must not call back")
		},
	})
	require.NotNil(t, handle)

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant query never completed")
	}
}

func TestLocalLookupAnsweredFromHosts(t *testing.T) {
	// No nameserver at all: a Hosts hit must resolve locally without a
	// single datagram on the wire.
	hosts := resolver.NewHosts()
	hosts.Add("printer.lan", netip.MustParseAddr("192.168.1.9"))

	ctx, cleanup := newTestContext(t, resolver.DefaultConfig(), resolver.WithHosts(hosts))
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.Query("Printer.LAN", dns.TypeA, query.RD, resolver.FuncHandler{
		Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
		Failure:  func(_ *resolver.LookupHandle, _ int) { done <- nil },
	})

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		require.Len(t, resp.Answer, 1)
		a := resp.Answer[0].(*dns.A)
		require.Equal(t, "192.168.1.9", a.A.String())
	case <-time.After(5 * time.Second):
		t.Fatal("local lookup never completed")
	}
}

func TestQueryReverseAnsweredFromHosts(t *testing.T) {
	hosts := resolver.NewHosts()
	addr := netip.MustParseAddr("10.1.2.3")
	hosts.Add("gateway.lan", addr)

	ctx, cleanup := newTestContext(t, resolver.DefaultConfig(), resolver.WithHosts(hosts))
	defer cleanup()

	done := make(chan *dns.Msg, 1)
	ctx.QueryReverse(addr, resolver.FuncHandler{
		Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) { done <- resp },
	})

	select {
	case resp := <-done:
		require.Len(t, resp.Answer, 1)
		ptr := resp.Answer[0].(*dns.PTR)
		require.Equal(t, "gateway.lan.", ptr.Ptr)
	case <-time.After(5 * time.Second):
		t.Fatal("reverse lookup never completed")
	}
}

func TestQueryReturnsNilForInvalidName(t *testing.T) {
	ctx, cleanup := newTestContext(t, resolver.DefaultConfig())
	defer cleanup()

	long := strings.Repeat("a", 300)
	handle := ctx.Query(long, dns.TypeA, query.RD, resolver.FuncHandler{})
	require.Nil(t, handle, "an oversize name must be rejected at admission, not delivered as a failure")
}

func TestEmptyNameserverListFailsFast(t *testing.T) {
	ctx, cleanup := newTestContext(t, resolver.DefaultConfig())
	defer cleanup()

	failed := make(chan int, 1)
	ctx.Query("nowhere.example", dns.TypeA, query.RD, resolver.FuncHandler{
		Failure: func(_ *resolver.LookupHandle, rcode int) { failed <- rcode },
	})

	select {
	case rcode := <-failed:
		require.Equal(t, dns.RcodeServerFailure, rcode)
	case <-time.After(2 * time.Second):
		t.Fatal("empty-nameserver lookup never failed")
	}
}
