package query

import (
	"strings"

	"github.com/miekg/dns"
)

// Matches reports whether resp is a plausible answer to query: same ID,
// same opcode (or both dns.OpcodeUpdate, which carries no question
// semantics worth comparing), same question count, and every question
// record in resp appears in query's question section (name compared
// case-insensitively, per DNS name-comparison rules).
//
// A spoofed or merely malformed datagram must never abort a lookup, so
// Matches is a pure boolean predicate: callers that parsed resp out of
// untrusted bytes treat a parse error as "does not match", never as a
// failure outcome.
func Matches(query, resp *dns.Msg) bool {
	if query == nil || resp == nil {
		return false
	}
	if query.Id != resp.Id {
		return false
	}
	if query.Opcode != resp.Opcode && !(query.Opcode == dns.OpcodeUpdate && resp.Opcode == dns.OpcodeUpdate) {
		return false
	}
	if len(query.Question) != len(resp.Question) {
		return false
	}
	for _, rq := range resp.Question {
		if !containsQuestion(query.Question, rq) {
			return false
		}
	}
	return true
}

func containsQuestion(haystack []dns.Question, needle dns.Question) bool {
	for _, q := range haystack {
		if q.Qtype == needle.Qtype && q.Qclass == needle.Qclass && strings.EqualFold(q.Name, needle.Name) {
			return true
		}
	}
	return false
}

// ParseResponse unpacks raw bytes into a *dns.Msg, returning ok=false (never
// an error) on malformed input: a parse error is a dropped packet, not a
// failure the caller should propagate.
func ParseResponse(raw []byte) (*dns.Msg, bool) {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, false
	}
	return m, true
}
