// Package query builds outgoing DNS query messages and matches inbound
// responses back to the query that provoked them. It is the thin layer
// between the scheduler's notion of a "lookup" and the wire format, which
// is supplied by github.com/miekg/dns rather than hand-rolled.
package query

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// MaxNameLength is the on-wire limit for a domain name (RFC 1035 §3.1,
// mirrored by miekg/dns as well); the builder rejects names exceeding it
// before ever touching the wire encoder so the caller gets a stable,
// library-independent error.
const MaxNameLength = 255

// DefaultEDNSUDPSize is the UDP payload size this library advertises in the
// OPT pseudo-record it adds to every outgoing query.
const DefaultEDNSUDPSize = 1200

var (
	// ErrNameTooLong is returned when name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("query: name exceeds maximum DNS name length")
	// ErrInvalidType reports a query type outside 0..65535. Build never
	// returns it: qtype is a uint16, so every value it receives is in range.
	ErrInvalidType = errors.New("query: type out of range")
)

// Bits is a subset of the boolean header/EDNS flags a caller may request on
// a query: Recursion Desired, Authentic Data, Checking Disabled, and the
// EDNS DNSSEC-OK bit.
type Bits uint8

const (
	RD Bits = 1 << iota // Recursion Desired (on by default, so passing RD is a no-op; see NoRD)
	AD                  // Authentic Data
	CD                  // Checking Disabled
	DO                  // DNSSEC OK (EDNS)

	// NoRD clears the Recursion Desired flag. A stub resolver query without
	// RD is unusual enough that turning it off requires this explicit ask;
	// NoRD wins over RD when both are set.
	NoRD
)

// Builder constructs outgoing query messages with a consistent EDNS(0)
// policy. The zero value is ready to use with DefaultEDNSUDPSize.
type Builder struct {
	// EDNSUDPSize is the UDP payload size advertised in the OPT record.
	// Zero means DefaultEDNSUDPSize.
	EDNSUDPSize uint16
}

// Build composes a query for (name, qtype, qclass=IN) with the given id and
// Bits. It always attaches an OPT pseudo-record: extended rcode 0, EDNS
// version 0, the configured UDP payload size, and the DO flag iff bits
// requests it. Recursion Desired defaults on unless the caller clears it
// with NoRD — the classic stub resolver convention that a query without RD
// is unusual enough to require an explicit ask.
func (b Builder) Build(id uint16, name string, qtype uint16, bits Bits) (*dns.Msg, error) {
	if len(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}
	if !dns.IsFqdn(name) {
		name += "."
	}

	m := new(dns.Msg)
	m.Id = id
	m.Opcode = dns.OpcodeQuery
	m.RecursionDesired = bits&NoRD == 0
	m.AuthenticatedData = bits&AD != 0
	m.CheckingDisabled = bits&CD != 0
	m.Question = []dns.Question{{Name: strings.ToLower(name), Qtype: qtype, Qclass: dns.ClassINET}}

	udpSize := b.EDNSUDPSize
	if udpSize == 0 {
		udpSize = DefaultEDNSUDPSize
	}
	m.SetEdns0(udpSize, bits&DO != 0)

	return m, nil
}

// BuildReverse composes a PTR query for reverseName, an in-addr.arpa /
// ip6.arpa name such as dns.ReverseAddr returns; it is equivalent to
// Build(id, reverseName, dns.TypePTR, bits).
func (b Builder) BuildReverse(id uint16, reverseName string, bits Bits) (*dns.Msg, error) {
	return b.Build(id, reverseName, dns.TypePTR, bits)
}

// Pack serializes m with (*dns.Msg).Pack. The result is not truncated to the
// advertised EDNS UDP size; the same bytes serve UDP and TCP, where the
// 2-byte length prefix is added by the transport, not here.
func Pack(m *dns.Msg) ([]byte, error) {
	return m.Pack()
}
