package orderdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-core-go/pkg/bitmapcache"
)

type fakeSink struct {
	memBltCalls  int
	mem3BltCalls int
	lastBrush    Brush
	lastSrc      *bitmapcache.Bitmap
}

func (f *fakeSink) DrawMemBlt(destX, destY, width, height int, src *bitmapcache.Bitmap) {
	f.memBltCalls++
	f.lastSrc = src
}

func (f *fakeSink) DrawMem3Blt(destX, destY, width, height int, src *bitmapcache.Bitmap, brush Brush) {
	f.mem3BltCalls++
	f.lastSrc = src
	f.lastBrush = brush
}

type fakeOffscreen struct {
	entries map[uint32]*bitmapcache.Bitmap
}

func (f *fakeOffscreen) Get(id uint32) (*bitmapcache.Bitmap, bool) {
	b, ok := f.entries[id]
	return b, ok
}

type fakeBrushes struct {
	entries map[uint32]*Brush
}

func (f *fakeBrushes) Get(id uint32) (*Brush, bool) {
	b, ok := f.entries[id]
	return b, ok
}

func TestHandleCacheBitmapInstallsIntoCache(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	d := New(nil, cache, nil, nil, &fakeSink{}, 24)

	err := d.HandleCacheBitmap(CacheBitmapOrder{CacheID: 0, CacheIndex: 2, Width: 8, Height: 8}, []byte{1, 2, 3})
	require.NoError(t, err)

	bmp, ok := cache.Get(0, 2)
	require.True(t, ok)
	require.Equal(t, 24, bmp.BPP) // zero order BPP inherits session color depth
}

func TestHandleCacheBitmapV2SetsContentKey(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	d := New(nil, cache, nil, nil, &fakeSink{}, 24)

	err := d.HandleCacheBitmapV2(CacheBitmapV2Order{
		CacheID: 0, CacheIndex: 1, Key1: 0x1111, Key2: 0x2222, Width: 4, Height: 4,
	}, []byte{9})
	require.NoError(t, err)

	bmp, ok := cache.GetByKey(0x1111 | (uint64(0x2222) << 32))
	require.True(t, ok)
	require.Equal(t, 4, bmp.Width)
}

func TestHandleMemBltDrawsFromBitmapCache(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	bmp := &bitmapcache.Bitmap{Width: 16, Height: 16}
	require.NoError(t, cache.Put(0, 0, bmp))

	sink := &fakeSink{}
	d := New(nil, cache, nil, nil, sink, 24)
	d.HandleMemBlt(MemBltOrder{CacheID: 0, CacheIndex: 0, DestX: 5, DestY: 5, Width: 16, Height: 16})

	require.Equal(t, 1, sink.memBltCalls)
	require.Same(t, bmp, sink.lastSrc)
}

func TestHandleMemBltOffscreenCacheID(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	offscreenBmp := &bitmapcache.Bitmap{Width: 640, Height: 480}
	offscreen := &fakeOffscreen{entries: map[uint32]*bitmapcache.Bitmap{7: offscreenBmp}}

	sink := &fakeSink{}
	d := New(nil, cache, offscreen, nil, sink, 24)
	d.HandleMemBlt(MemBltOrder{CacheID: OffscreenCacheID, CacheIndex: 7})

	require.Equal(t, 1, sink.memBltCalls)
	require.Same(t, offscreenBmp, sink.lastSrc)
}

func TestHandleMemBltMissingSourceIsSilentlyAbsorbed(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	sink := &fakeSink{}
	d := New(nil, cache, nil, nil, sink, 24)

	d.HandleMemBlt(MemBltOrder{CacheID: 0, CacheIndex: 4})
	require.Equal(t, 0, sink.memBltCalls)
}

func TestHandleMem3BltRestoresBrushStyleAfterDraw(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	bmp := &bitmapcache.Bitmap{Width: 16, Height: 16}
	require.NoError(t, cache.Put(0, 0, bmp))

	brush := &Brush{ID: 9, Style: 0x01, CachedBrush: true}
	brushes := &fakeBrushes{entries: map[uint32]*Brush{9: brush}}

	sink := &fakeSink{}
	d := New(nil, cache, nil, brushes, sink, 24)
	d.HandleMem3Blt(Mem3BltOrder{MemBltOrder: MemBltOrder{CacheID: 0, CacheIndex: 0}, BrushID: 9})

	require.Equal(t, 1, sink.mem3BltCalls)
	require.Equal(t, CachedBrushStyle, sink.lastBrush.Style)
	// The brush's own stored style is restored once the draw call returns.
	require.Equal(t, 0x01, brush.Style)
}

func TestHandleMem3BltNonCachedBrushLeavesStyleAlone(t *testing.T) {
	cache := bitmapcache.New(nil, []int{10})
	require.NoError(t, cache.Put(0, 0, &bitmapcache.Bitmap{}))

	brush := &Brush{ID: 3, Style: 0x05, CachedBrush: false}
	brushes := &fakeBrushes{entries: map[uint32]*Brush{3: brush}}

	sink := &fakeSink{}
	d := New(nil, cache, nil, brushes, sink, 24)
	d.HandleMem3Blt(Mem3BltOrder{MemBltOrder: MemBltOrder{CacheID: 0, CacheIndex: 0}, BrushID: 3})

	require.Equal(t, 0x05, sink.lastBrush.Style)
}
