package peerstore_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/multiserversync/core/peerstore"
)

func TestPutRecordsDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	s, err := peerstore.Open(path)
	require.NoError(t, err)

	seen := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	a := peerstore.Record{Addr: netip.MustParseAddrPort("10.0.0.2:7000"), Instance: uuid.New(), LastSeen: seen}
	b := peerstore.Record{Addr: netip.MustParseAddrPort("10.0.0.1:7000"), Instance: uuid.New(), LastSeen: seen}
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	rs, err := s.Records()
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, b.Addr, rs[0].Addr)
	assert.Equal(t, b.Instance, rs[0].Instance)
	assert.True(t, seen.Equal(rs[0].LastSeen))
	assert.Equal(t, a.Addr, rs[1].Addr)

	require.NoError(t, s.Delete(a.Addr))
	require.NoError(t, s.Close())

	s, err = peerstore.Open(path)
	require.NoError(t, err)
	defer s.Close()
	rs, err = s.Records()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, b.Addr, rs[0].Addr)
}

func TestPutOverwrites(t *testing.T) {
	s, err := peerstore.Open(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	defer s.Close()

	addr := netip.MustParseAddrPort("[fd00::1]:7000")
	first, second := uuid.New(), uuid.New()
	require.NoError(t, s.Put(peerstore.Record{Addr: addr, Instance: first}))
	require.NoError(t, s.Put(peerstore.Record{Addr: addr, Instance: second}))

	rs, err := s.Records()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, second, rs[0].Instance)

	assert.Error(t, s.Put(peerstore.Record{}))
}
