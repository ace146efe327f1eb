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

package bitmapcache

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/x-stp/rdp-core-go/pkg/metrics"
)

// persistVersion is the on-disk format version of the sidecar file header.
const persistVersion uint32 = 1

// PersistedEntry is one record of the on-disk persistent bitmap cache
// file (spec §6): {key64, width, height, size, flags, bytes[size]}.
type PersistedEntry struct {
	CellID int // not persisted; used only for in-process bookkeeping
	Key64  uint64
	Width  int
	Height int
	BPP    int
	Pixels []byte
}

// flags bit layout for the persisted record: low byte carries BPP, which
// is small enough to fit comfortably and keeps the header fixed-width.
func encodeFlags(bpp int) uint16 { return uint16(bpp) }
func decodeFlags(flags uint16) int { return int(flags) }

// PersistentStore writes and reads the binary sidecar file described in
// spec §6, guarded by flock so a second client process sharing the same
// path cannot interleave records.
type PersistentStore struct {
	path    string
	log     *zap.Logger
	metrics *metrics.Collectors
}

// NewPersistentStore constructs a store bound to path; the file itself is
// created lazily on the first Flush.
func NewPersistentStore(path string, log *zap.Logger) *PersistentStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PersistentStore{path: path, log: log}
}

// SetMetrics attaches a metrics collector; nil detaches it.
func (p *PersistentStore) SetMetrics(m *metrics.Collectors) {
	p.metrics = m
}

// Flush writes entries to the sidecar file, replacing its prior contents.
// Only called at session teardown, and only when cache version 2,
// persistence is enabled, and a path is configured (spec §4.4 "Persistent
// cache"); those gating decisions belong to the caller, not this type.
func (p *PersistentStore) Flush(entries []PersistedEntry) (int, error) {
	lock := flock.New(p.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return 0, fmt.Errorf("bitmapcache: lock %s: %w", p.path, err)
	}
	if !locked {
		return 0, fmt.Errorf("bitmapcache: lock %s: timed out", p.path)
	}
	defer lock.Unlock()

	tmpPath := p.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("bitmapcache: create %s: %w", tmpPath, err)
	}

	w := bufio.NewWriter(f)
	written := 0
	skipped := 0
	flushedBytes := 0

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], persistVersion)
	count := 0
	for _, e := range entries {
		if e.Key64 != 0 && uint64(len(e.Pixels)) <= 0xFFFFFFFF {
			count++
		}
	}
	binary.LittleEndian.PutUint32(header[4:8], uint32(count))
	if _, err := w.Write(header[:]); err != nil {
		f.Close()
		return 0, err
	}

	for _, e := range entries {
		if e.Key64 == 0 {
			skipped++
			continue
		}
		if uint64(len(e.Pixels)) > 0xFFFFFFFF {
			skipped++
			continue
		}
		if err := writeEntry(w, e); err != nil {
			f.Close()
			return written, err
		}
		written++
		flushedBytes += len(e.Pixels)
	}
	p.metrics.RecordPersistentFlush(flushedBytes)

	if err := w.Flush(); err != nil {
		f.Close()
		return written, err
	}
	if err := f.Close(); err != nil {
		return written, err
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		return written, fmt.Errorf("bitmapcache: rename %s: %w", tmpPath, err)
	}

	p.log.Info("flushed persistent bitmap cache",
		zap.Int("written", written), zap.Int("skipped", skipped), zap.String("path", p.path))
	return written, nil
}

func writeEntry(w io.Writer, e PersistedEntry) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Key64)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(e.Width))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(e.Height))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(e.Pixels)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	var flagsBuf [2]byte
	binary.LittleEndian.PutUint16(flagsBuf[:], encodeFlags(e.BPP))
	if _, err := w.Write(flagsBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(e.Pixels)
	return err
}

// Load reads the sidecar file, returning its entries in file order, or an
// empty slice (not an error) if the file does not yet exist.
func (p *PersistentStore) Load() ([]PersistedEntry, error) {
	f, err := os.Open(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bitmapcache: open %s: %w", p.path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("bitmapcache: read header: %w", err)
	}
	version := binary.LittleEndian.Uint32(header[0:4])
	if version != persistVersion {
		return nil, fmt.Errorf("bitmapcache: unsupported persistent cache version %d", version)
	}
	count := binary.LittleEndian.Uint32(header[4:8])

	entries := make([]PersistedEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return entries, fmt.Errorf("bitmapcache: read entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(r io.Reader) (PersistedEntry, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PersistedEntry{}, err
	}
	key64 := binary.LittleEndian.Uint64(buf[0:8])
	width := binary.LittleEndian.Uint16(buf[8:10])
	height := binary.LittleEndian.Uint16(buf[10:12])
	size := binary.LittleEndian.Uint32(buf[12:16])

	var flagsBuf [2]byte
	if _, err := io.ReadFull(r, flagsBuf[:]); err != nil {
		return PersistedEntry{}, err
	}
	flags := binary.LittleEndian.Uint16(flagsBuf[:])

	pixels := make([]byte, size)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return PersistedEntry{}, err
	}

	return PersistedEntry{
		Key64:  key64,
		Width:  int(width),
		Height: int(height),
		BPP:    decodeFlags(flags),
		Pixels: pixels,
	}, nil
}
