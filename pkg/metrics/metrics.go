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

// Package metrics registers the Prometheus collectors a running client
// exposes (spec §6): trust decisions, bitmap cache hit/miss counts, and
// persistent-cache flush volume.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric a client instance updates, so call sites
// pass one value instead of four globals.
type Collectors struct {
	TrustDecisions     *prometheus.CounterVec
	BitmapCacheHits     prometheus.Counter
	BitmapCacheMisses   prometheus.Counter
	PersistentFlushBytes prometheus.Counter
}

// New creates and registers the collectors against reg. Passing a fresh
// prometheus.NewRegistry() per test keeps table-driven tests from
// colliding on the default global registry.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TrustDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdp_trust_decisions_total",
			Help: "Certificate trust decisions made by the trust policy, partitioned by result.",
		}, []string{"result"}),
		BitmapCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_bitmap_cache_hits_total",
			Help: "Bitmap cache lookups that found a cached entry.",
		}),
		BitmapCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_bitmap_cache_misses_total",
			Help: "Bitmap cache lookups that found nothing cached.",
		}),
		PersistentFlushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_bitmap_persistent_flush_bytes",
			Help: "Total bytes of bitmap pixel data written to the persistent cache sidecar file.",
		}),
	}

	reg.MustRegister(c.TrustDecisions, c.BitmapCacheHits, c.BitmapCacheMisses, c.PersistentFlushBytes)
	return c
}

// RecordTrustDecision increments the counter for the given result label;
// the trust policy records "accept" or "reject".
func (c *Collectors) RecordTrustDecision(result string) {
	if c == nil {
		return
	}
	c.TrustDecisions.WithLabelValues(result).Inc()
}

// RecordCacheLookup increments the hit or miss counter.
func (c *Collectors) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.BitmapCacheHits.Inc()
	} else {
		c.BitmapCacheMisses.Inc()
	}
}

// RecordPersistentFlush adds n bytes to the flush-volume counter.
func (c *Collectors) RecordPersistentFlush(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.PersistentFlushBytes.Add(float64(n))
}
