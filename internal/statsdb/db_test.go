package statsdb_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/stubresolver/internal/statsdb"
	"github.com/jroosing/stubresolver/resolver"
)

func TestInsertAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	db, err := statsdb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health())

	ns := netip.MustParseAddrPort("1.1.1.1:53")
	require.NoError(t, db.Insert(resolver.LatencySample{Nameserver: ns, RTT: 15 * time.Millisecond, Success: true, Proto: "udp"}))
	require.NoError(t, db.Insert(resolver.LatencySample{Nameserver: ns, RTT: 30 * time.Millisecond, Success: false, Proto: "tcp"}))

	samples, err := db.Recent(ns, 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, "tcp", samples[0].Proto)
	require.False(t, samples[0].Success)
	require.Equal(t, "udp", samples[1].Proto)
	require.True(t, samples[1].Success)
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	db1, err := statsdb.Open(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := statsdb.Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Health())
}
