package certstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)

	_, ok := s.Load("rdp.example.com", 3389)
	require.False(t, ok)

	state, id := s.Contains("rdp.example.com", 3389, "aa:bb")
	require.Equal(t, Missing, state)
	require.Nil(t, id)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	id := Identity{
		Hostname:    "rdp.example.com",
		Port:        3389,
		Subject:     "CN=rdp.example.com",
		Issuer:      "CN=Example CA",
		Fingerprint: "aa:bb:cc",
		PEM:         "-----BEGIN CERTIFICATE-----\n...\n-----END CERTIFICATE-----",
		LastSeen:    time.Now(),
	}
	require.NoError(t, s.Save(id))

	loaded, ok := s.Load("rdp.example.com", 3389)
	require.True(t, ok)
	require.Equal(t, id.Fingerprint, loaded.Fingerprint)

	// A freshly opened store sees what was persisted to disk.
	reopened, err := Open(path, nil)
	require.NoError(t, err)
	loaded2, ok := reopened.Load("rdp.example.com", 3389)
	require.True(t, ok)
	require.Equal(t, id.PEM, loaded2.PEM)
}

func TestContainsDetectsChange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(Identity{
		Hostname: "rdp.example.com", Port: 3389,
		Fingerprint: "AAAA", LastSeen: time.Now(),
	}))

	state, id := s.Contains("rdp.example.com", 3389, "BBBB")
	require.Equal(t, Changed, state)
	require.Equal(t, "AAAA", id.Fingerprint)

	state, _ = s.Contains("rdp.example.com", 3389, "AAAA")
	require.Equal(t, Match, state)
}

func TestSavePreservesFirstSeen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)

	first := time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.Save(Identity{
		Hostname: "rdp.example.com", Port: 3389,
		Fingerprint: "AAAA", LastSeen: first,
	}))

	second := time.Now()
	require.NoError(t, s.Save(Identity{
		Hostname: "rdp.example.com", Port: 3389,
		Fingerprint: "BBBB", LastSeen: second,
	}))

	loaded, ok := s.Load("rdp.example.com", 3389)
	require.True(t, ok)
	require.WithinDuration(t, first, loaded.FirstSeen, time.Second)
}
