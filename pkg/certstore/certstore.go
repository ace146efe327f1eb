// RDP client core - TLS trust resolution and bitmap caching
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package certstore implements the known-hosts style persistent record of
// previously-approved RDP server certificates: one entry per (host, port),
// recording subject, issuer, fingerprint, and PEM.
package certstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the trust state of a presented certificate relative to what the
// store holds for a given (host, port).
type State int

const (
	// Missing means no record exists for (host, port).
	Missing State = iota
	// Match means a record exists and its fingerprint matches the
	// presented certificate.
	Match
	// Changed means a record exists but its fingerprint differs from the
	// presented certificate.
	Changed
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Match:
		return "match"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Identity is the stored record for one server certificate.
type Identity struct {
	Hostname        string    `json:"hostname"`
	Port            int       `json:"port"`
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Fingerprint     string    `json:"fingerprint"`
	PEM             string    `json:"pem"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Store is a file-backed, process-wide index of accepted certificate
// identities. Reads are served from an in-memory index guarded by a
// RWMutex (the same shape as other_examples/andrewstucki-light__certcache.go's
// mutex-guarded map); writes go through an on-disk JSON file guarded by a
// flock so that multiple client processes sharing a known-hosts path do not
// interleave writes at the file-entry level.
type Store struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	entries map[string]Identity

	group singleflight.Group
}

// Open loads (or creates) the known-hosts file at path. The parent directory
// is created if it does not exist.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("certstore: create config dir: %w", err)
	}

	s := &Store{path: path, log: log, entries: make(map[string]Identity)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("certstore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []Identity
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("certstore: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[key(e.Hostname, e.Port)] = e
	}
	return nil
}

// Load returns the stored identity for (host, port), if any. It is served
// from the in-memory index read when the store was opened; it does not
// touch the disk.
func (s *Store) Load(host string, port int) (Identity, bool) {
	k := key(host, port)

	s.mu.RLock()
	id, ok := s.entries[k]
	s.mu.RUnlock()
	return id, ok
}

// Contains classifies a presented fingerprint against the stored record for
// (host, port): Missing if there is no record, Match if the fingerprint
// agrees, Changed otherwise.
func (s *Store) Contains(host string, port int, fingerprint string) (State, *Identity) {
	id, ok := s.Load(host, port)
	if !ok {
		return Missing, nil
	}
	if id.Fingerprint == fingerprint {
		return Match, &id
	}
	return Changed, &id
}

// Save persists (or overwrites) the identity for (host, port), serializing
// concurrent writers through both the in-process mutex and an inter-process
// flock on the backing file so file-entry writes are atomic as required by
// the concurrency model.
func (s *Store) Save(id Identity) error {
	_, err, _ := s.group.Do("save:"+key(id.Hostname, id.Port), func() (any, error) {
		return nil, s.saveLocked(id)
	})
	return err
}

func (s *Store) saveLocked(id Identity) error {
	lock := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("certstore: lock %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("certstore: lock %s: timed out", s.path)
	}
	defer lock.Unlock()

	s.mu.Lock()
	now := id.LastSeen
	if existing, ok := s.entries[key(id.Hostname, id.Port)]; ok {
		id.FirstSeen = existing.FirstSeen
	} else {
		id.FirstSeen = now
	}
	s.entries[key(id.Hostname, id.Port)] = id
	snapshot := make([]Identity, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("certstore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("certstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("certstore: rename temp file: %w", err)
	}

	s.log.Info("certificate identity saved",
		zap.String("hostname", id.Hostname),
		zap.Int("port", id.Port),
		zap.String("fingerprint", id.Fingerprint))
	return nil
}
