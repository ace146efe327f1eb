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

// Package orderdispatch binds incoming drawing orders (CacheBitmap family,
// MemBlt, Mem3Blt) to the bitmap cache and a downstream rendering sink. It
// carries no state beyond the collaborators captured at construction.
package orderdispatch

import (
	"go.uber.org/zap"

	"github.com/x-stp/rdp-core-go/pkg/bitmapcache"
)

// OffscreenCacheID is the sentinel cacheId (0xFF) meaning "the source is
// the offscreen surface cache, not a bitmap-cache cell" (spec §4.4 MEMBLT
// binding, grounded on update_gdi_memblt's cacheId == 0xFF branch).
const OffscreenCacheID = 0xFF

// CachedBrushStyle is the brush style temporarily installed while drawing
// a MEM3BLT whose brush carries the CACHED_BRUSH flag, grounded on
// update_gdi_mem3blt's `brush->style = 0x03` override.
const CachedBrushStyle = 0x03

// OffscreenCache is the external collaborator that owns surfaces addressed
// by OffscreenCacheID; it is out of scope for this module (spec §4.4 "an
// external collaborator") and is modeled here only as the narrow interface
// the dispatcher needs.
type OffscreenCache interface {
	Get(id uint32) (*bitmapcache.Bitmap, bool)
}

// BrushCache is the external collaborator resolving CACHED_BRUSH references
// for MEM3BLT, analogous to OffscreenCache.
type BrushCache interface {
	Get(id uint32) (*Brush, bool)
}

// Brush is the subset of brush state MEM3BLT dispatch needs: its style and
// whether it is a cached (as opposed to inline) brush.
type Brush struct {
	ID          uint32
	Style       int
	CachedBrush bool
}

// RenderSink receives fully-resolved drawing operations once the dispatcher
// has located the source bitmap/brush. Swapping rendering behavior means
// registering a different RenderSink implementation, never mutating this
// package's state.
type RenderSink interface {
	DrawMemBlt(destX, destY, width, height int, src *bitmapcache.Bitmap)
	DrawMem3Blt(destX, destY, width, height int, src *bitmapcache.Bitmap, brush Brush)
}

// CacheBitmapOrder is the decoded payload of a CacheBitmap (v1) order: no
// content key, BPP either explicit or defaulted from the session.
type CacheBitmapOrder struct {
	CacheID    int
	CacheIndex int
	Width      int
	Height     int
	BPP        int
	Compressed bool
	Pixels     []byte
}

// CacheBitmapV2Order is CacheBitmapV2/V3's decoded payload; V3 additionally
// carries CodecID, which this dispatcher treats identically to V2 except
// that CodecID == CodecNone is equivalent to V2's Compressed == false.
type CacheBitmapV2Order struct {
	CacheID    int
	CacheIndex int
	Key1, Key2 uint32
	Width      int
	Height     int
	BPP        int
	Compressed bool
	CodecID    int
	Pixels     []byte
}

// CodecNone is the v3 CodecID value meaning "uncompressed", mirroring v2's
// Compressed == false (spec §4.4 "Codec selection").
const CodecNone = 0

// MemBltOrder is the decoded MEMBLT order: blit from a cache source onto
// the screen at (DestX, DestY).
type MemBltOrder struct {
	CacheID    int
	CacheIndex int
	DestX      int
	DestY      int
	Width      int
	Height     int
}

// Mem3BltOrder additionally carries a brush reference, resolved through
// BrushCache when the brush is a CACHED_BRUSH.
type Mem3BltOrder struct {
	MemBltOrder
	BrushID uint32
}

// Dispatcher is the thin order-to-cache binding layer of spec §4.5. It is
// registered only when client-side decoding is enabled; a nil Dispatcher
// is simply never wired up by the caller.
type Dispatcher struct {
	log       *zap.Logger
	cache     *bitmapcache.Cache
	offscreen OffscreenCache
	brushes   BrushCache
	sink      RenderSink

	sessionColorDepth int
}

// New builds a Dispatcher. offscreen and brushes may be nil if the session
// never uses the offscreen or cached-brush collaborators; sessionColorDepth
// feeds CoerceBPP's defaulting rule.
func New(log *zap.Logger, cache *bitmapcache.Cache, offscreen OffscreenCache, brushes BrushCache, sink RenderSink, sessionColorDepth int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:               log,
		cache:             cache,
		offscreen:         offscreen,
		brushes:           brushes,
		sink:              sink,
		sessionColorDepth: sessionColorDepth,
	}
}

// HandleCacheBitmap decodes a v1 CacheBitmap order and installs it.
func (d *Dispatcher) HandleCacheBitmap(order CacheBitmapOrder, decoded []byte) error {
	bpp := bitmapcache.CoerceBPP(order.BPP, d.sessionColorDepth)
	bmp := &bitmapcache.Bitmap{
		Width:  order.Width,
		Height: order.Height,
		BPP:    bpp,
		Pixels: decoded,
	}
	return d.cache.Put(order.CacheID, order.CacheIndex, bmp)
}

// HandleCacheBitmapV2 decodes a v2 CacheBitmap order, carrying a 64-bit
// content key, and installs it.
func (d *Dispatcher) HandleCacheBitmapV2(order CacheBitmapV2Order, decoded []byte) error {
	bpp := bitmapcache.CoerceBPP(order.BPP, d.sessionColorDepth)
	bmp := &bitmapcache.Bitmap{
		Width:  order.Width,
		Height: order.Height,
		BPP:    bpp,
		Key64:  uint64(order.Key1) | uint64(order.Key2)<<32,
		Pixels: decoded,
	}
	return d.cache.Put(order.CacheID, order.CacheIndex, bmp)
}

// HandleCacheBitmapV3 decodes a v3 CacheBitmap order; v3 differs from v2
// only in carrying an explicit CodecID instead of a Compressed flag (spec
// §4.4 "Codec selection"), which the caller has already resolved into
// decoded pixels before calling this method.
func (d *Dispatcher) HandleCacheBitmapV3(order CacheBitmapV2Order, decoded []byte) error {
	return d.HandleCacheBitmapV2(order, decoded)
}

// HandleMemBlt resolves a MEMBLT order's source (bitmap cache cell, or the
// offscreen surface cache when CacheID == OffscreenCacheID) and forwards a
// resolved draw to the render sink. A missing source is silently absorbed
// (spec §7 CachedResourceMissing is never surfaced as an error).
func (d *Dispatcher) HandleMemBlt(order MemBltOrder) {
	src, ok := d.resolveMemBltSource(order.CacheID, order.CacheIndex)
	if !ok {
		d.log.Debug("memblt referenced undefined cache entry",
			zap.Int("cache_id", order.CacheID), zap.Int("cache_index", order.CacheIndex))
		return
	}
	d.sink.DrawMemBlt(order.DestX, order.DestY, order.Width, order.Height, src)
}

// HandleMem3Blt is HandleMemBlt plus a brush resolution step: if the
// resolved brush is a CACHED_BRUSH, the dispatcher draws with its style
// temporarily overwritten to CachedBrushStyle, grounded on
// update_gdi_mem3blt's brush->style = 0x03 override/restore. Because the
// brush is resolved into a local value copy, the brush cache's own stored
// style is never mutated — the "restore" the original performs on its
// shared brush object falls out automatically here.
func (d *Dispatcher) HandleMem3Blt(order Mem3BltOrder) {
	src, ok := d.resolveMemBltSource(order.CacheID, order.CacheIndex)
	if !ok {
		d.log.Debug("mem3blt referenced undefined cache entry",
			zap.Int("cache_id", order.CacheID), zap.Int("cache_index", order.CacheIndex))
		return
	}

	brush := Brush{ID: order.BrushID}
	if d.brushes != nil {
		if resolved, ok := d.brushes.Get(order.BrushID); ok {
			brush = *resolved
		}
	}
	if brush.CachedBrush {
		brush.Style = CachedBrushStyle
	}
	d.sink.DrawMem3Blt(order.DestX, order.DestY, order.Width, order.Height, src, brush)
}

func (d *Dispatcher) resolveMemBltSource(cacheID, cacheIndex int) (*bitmapcache.Bitmap, bool) {
	if cacheID == OffscreenCacheID {
		if d.offscreen == nil {
			return nil, false
		}
		return d.offscreen.Get(uint32(cacheIndex))
	}
	return d.cache.Get(cacheID, cacheIndex)
}
