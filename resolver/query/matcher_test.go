package query

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestMatchesHappyPath(t *testing.T) {
	var b Builder
	q, err := b.Build(7, "example.com", dns.TypeA, RD)
	require.NoError(t, err)

	resp := new(dns.Msg)
	resp.Id = 7
	resp.Opcode = dns.OpcodeQuery
	resp.Question = []dns.Question{{Name: "EXAMPLE.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	require.True(t, Matches(q, resp))
}

func TestMatchesRejectsWrongID(t *testing.T) {
	var b Builder
	q, err := b.Build(7, "example.com", dns.TypeA, RD)
	require.NoError(t, err)

	resp := new(dns.Msg)
	resp.Id = 8
	resp.Question = q.Question

	require.False(t, Matches(q, resp))
}

func TestMatchesRejectsQuestionMismatch(t *testing.T) {
	var b Builder
	q, err := b.Build(7, "example.com", dns.TypeA, RD)
	require.NoError(t, err)

	resp := new(dns.Msg)
	resp.Id = 7
	resp.Question = []dns.Question{{Name: "evil.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	require.False(t, Matches(q, resp))
}

func TestParseResponseMalformedIsNotAnError(t *testing.T) {
	_, ok := ParseResponse([]byte{0x01, 0x02})
	require.False(t, ok)
}
