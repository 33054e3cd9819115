// Package resolver implements an asynchronous, single-threaded stub DNS
// resolver. It performs no I/O multiplexing, timing, or threading of its
// own: a Context is driven entirely by a caller-supplied Reactor, the
// capability through which the host event loop hands the core file
// descriptor readiness and timer expiry.
//
// All state mutation and every Handler callback happen on the thread that
// drives the Reactor. The one documented exception is TCP connect and
// roundtrip I/O (see tcp.go), which runs on background goroutines and
// crosses back onto that thread through a self-pipe, never touching Lookup
// or Context state directly.
//
// Wire-format encoding/decoding and /etc/resolv.conf parsing are supplied
// by github.com/miekg/dns, not reimplemented here; see package
// resolver/query for the thin layer between a Lookup and the wire.
package resolver
