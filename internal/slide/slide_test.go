package slide

import (
	"encoding/binary"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"
)

func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLE64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func putSegmentHeader(buf []byte, off int, sid string, allocated, used int64) {
	copy(buf[off:off+16], sid)
	putLE64(buf[off+16:off+24], uint64(allocated))
	putLE64(buf[off+24:off+32], uint64(used))
}

// cziBuilder assembles a minimal but complete ZISRAWFILE byte image:
// file header, subblock directory, metadata segment, and one BGR24
// ZISRAWSUBBLOCK per added tile, all uncompressed (compression NONE) to
// keep the fixture self-contained.
type cziBuilder struct {
	tiles []builderTile
	xml   string
}

type builderTile struct {
	x, y             int32
	sizeX            uint32 // X dimension's full-resolution size; storedW when downsample is 1
	storedW, storedH uint32
	scene            int32
	pix              []byte // raw BGR24 bytes, storedW*storedH*3
}

// addTileWH adds one level-0 (downsample 1) tile of storedW x storedH
// BGR24 pixels, every pixel filled with the same gray value, at level
// coordinates (x, y).
func (b *cziBuilder) addTileWH(x, y int32, storedW, storedH uint32, scene int32, fill byte) {
	pix := make([]byte, int(storedW)*int(storedH)*3)
	for i := range pix {
		pix[i] = fill
	}
	b.tiles = append(b.tiles, builderTile{x: x, y: y, sizeX: storedW, storedW: storedW, storedH: storedH, scene: scene, pix: pix})
}

// addDownsampledTile adds a tile whose X dimension's full-resolution size
// differs from its stored size, so directory.go's downsample_i derivation
// (round_nearest(size/stored_size)) yields a downsample other than 1. x, y
// are level-0 coordinates, matching the real directory's convention of
// recording every subblock's position in the same coordinate space
// regardless of its own downsample.
func (b *cziBuilder) addDownsampledTile(x, y int32, sizeX, storedW, storedH uint32, scene int32, fill byte) {
	pix := make([]byte, int(storedW)*int(storedH)*3)
	for i := range pix {
		pix[i] = fill
	}
	b.tiles = append(b.tiles, builderTile{x: x, y: y, sizeX: sizeX, storedW: storedW, storedH: storedH, scene: scene, pix: pix})
}

func buildDirectoryEntry(filePos int64, x, y int32, sizeX, w, h uint32, scene int32) []byte {
	prefix := make([]byte, 32)
	copy(prefix[0:2], "DV")
	putLE32(prefix[2:6], 3) // PixelTypeBGR24
	putLE64(prefix[6:14], uint64(filePos))
	putLE32(prefix[18:22], 0) // CompressionNone
	putLE32(prefix[28:32], 3)

	dimX := make([]byte, 20)
	dimX[0] = 'X'
	putLE32(dimX[4:8], uint32(int32(x)))
	putLE32(dimX[8:12], sizeX)
	putLE32(dimX[16:20], w)

	dimY := make([]byte, 20)
	dimY[0] = 'Y'
	putLE32(dimY[4:8], uint32(int32(y)))
	putLE32(dimY[8:12], h)
	putLE32(dimY[16:20], h)

	dimS := make([]byte, 20)
	dimS[0] = 'S'
	putLE32(dimS[4:8], uint32(scene))
	putLE32(dimS[8:12], 1)
	putLE32(dimS[16:20], 1)

	out := append([]byte{}, prefix...)
	out = append(out, dimX...)
	out = append(out, dimY...)
	out = append(out, dimS...)
	return out
}

func buildSubblockSegment(w, h uint32, pix []byte) []byte {
	hdr := make([]byte, 288)
	putSegmentHeader(hdr, 0, "ZISRAWSUBBLOCK", int64(288+len(pix)), int64(288+len(pix)))
	putLE32(hdr[32:36], 0)              // metadata_size
	putLE64(hdr[40:48], uint64(len(pix))) // data_size
	return append(hdr, pix...)
}

func buildMetadataSegment(xmlDoc string) []byte {
	hdr := make([]byte, 32+256)
	putSegmentHeader(hdr, 0, "ZISRAWMETADATA", int64(len(hdr)+len(xmlDoc)), int64(len(hdr)+len(xmlDoc)))
	putLE32(hdr[32:36], uint32(len(xmlDoc)))
	return append(hdr, []byte(xmlDoc)...)
}

// build lays out: [file header][directory][metadata][subblock 0][subblock 1]...
// and returns the full byte image along with each tile's assigned file_pos.
func (b *cziBuilder) build() []byte {
	const fileHeaderSize = 544

	var dirEntries []byte
	for i := range b.tiles {
		t := &b.tiles[i]
		dirEntries = append(dirEntries, buildDirectoryEntry(0 /* patched below */, t.x, t.y, t.sizeX, t.storedW, t.storedH, t.scene)...)
	}
	dirHeader := make([]byte, 32+4)
	used := int64(4 + len(dirEntries))
	putSegmentHeader(dirHeader, 0, "ZISRAWDIRECTORY", used, used)
	putLE32(dirHeader[32:36], uint32(len(b.tiles)))
	directorySeg := append(dirHeader, dirEntries...)

	metaSeg := buildMetadataSegment(b.xml)

	subblkDirPos := int64(fileHeaderSize)
	metaPos := subblkDirPos + int64(len(directorySeg))
	firstSubblkOffset := metaPos + int64(len(metaSeg))

	// Lay out subblock segments, recording each one's absolute file_pos.
	var subblkBytes []byte
	filePositions := make([]int64, len(b.tiles))
	cursor := firstSubblkOffset
	for i, t := range b.tiles {
		seg := buildSubblockSegment(t.storedW, t.storedH, t.pix)
		filePositions[i] = cursor
		subblkBytes = append(subblkBytes, seg...)
		cursor += int64(len(seg))
	}

	// Re-emit the directory now that file positions are known.
	dirEntries = nil
	for i := range b.tiles {
		t := &b.tiles[i]
		dirEntries = append(dirEntries, buildDirectoryEntry(filePositions[i], t.x, t.y, t.sizeX, t.storedW, t.storedH, t.scene)...)
	}
	used = int64(4 + len(dirEntries))
	putSegmentHeader(dirHeader, 0, "ZISRAWDIRECTORY", used, used)
	directorySeg = append(dirHeader, dirEntries...)

	hdr := make([]byte, fileHeaderSize)
	putSegmentHeader(hdr, 0, "ZISRAWFILE", fileHeaderSize, fileHeaderSize)
	body := hdr[32:]
	putLE64(body[56:64], uint64(subblkDirPos))
	putLE64(body[64:72], uint64(metaPos))
	putLE64(body[80:88], 0) // no attachment directory

	out := append([]byte{}, hdr...)
	out = append(out, directorySeg...)
	out = append(out, metaSeg...)
	out = append(out, subblkBytes...)
	return out
}

func writeTempCZI(t *testing.T, data []byte) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "slide-*.czi")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

const minimalXML = `<ImageDocument><Metadata><Information><Image><SizeX>4</SizeX><SizeY>4</SizeY></Image></Information></Metadata></ImageDocument>`

// TestOpenMinimalSlideRoundTrip covers scenario S1: a single-level,
// single-scene CZI opens and paints its one tile back out correctly.
func TestOpenMinimalSlideRoundTrip(t *testing.T) {
	b := &cziBuilder{xml: minimalXML}
	b.addTileWH(0, 0, 4, 4, 0, 0x55)
	path := writeTempCZI(t, b.build())

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.LevelCount() != 1 {
		t.Fatalf("LevelCount = %d, want 1", s.LevelCount())
	}
	w, h, err := s.LevelDimensions(0)
	if err != nil {
		t.Fatalf("LevelDimensions: %v", err)
	}
	if w != 4 || h != 4 {
		t.Errorf("level 0 dims = %dx%d, want 4x4", w, h)
	}

	dst := make([]uint32, 4*4)
	if err := s.PaintRegion(dst, 4, 4, 0, 0, 0, 4, 4); err != nil {
		t.Fatalf("PaintRegion: %v", err)
	}
	want := uint32(0xFF000000 | 0x55 | 0x55<<8 | 0x55<<16)
	for i, px := range dst {
		if px != want {
			t.Fatalf("pixel %d = %#x, want %#x", i, px, want)
		}
	}
}

// TestOpenNegativeOriginAdjustsCoordinatesAndBounds covers scenario S2:
// subblocks with a negative minimum x are shifted so the slide's own
// coordinate space starts at zero, and the pre-shift origin is published.
func TestOpenNegativeOriginAdjustsCoordinatesAndBounds(t *testing.T) {
	b := &cziBuilder{xml: `<ImageDocument><Metadata><Information><Image><SizeX>8</SizeX><SizeY>4</SizeY></Image></Information></Metadata></ImageDocument>`}
	b.addTileWH(-4, 0, 4, 4, 0, 0x11)
	b.addTileWH(0, 0, 4, 4, 0, 0x22)
	path := writeTempCZI(t, b.build())

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if v, ok := s.Get("openslide.bounds-x"); !ok || v != "-4" {
		t.Errorf("openslide.bounds-x = %q, ok=%v, want -4", v, ok)
	}

	dst := make([]uint32, 8*4)
	if err := s.PaintRegion(dst, 8, 4, 0, 0, 0, 8, 4); err != nil {
		t.Fatalf("PaintRegion: %v", err)
	}
	// The formerly x=-4 tile now starts at level-coordinate 0.
	firstPixel := dst[0]
	wantFirst := uint32(0xFF000000 | 0x11 | 0x11<<8 | 0x11<<16)
	if firstPixel != wantFirst {
		t.Errorf("pixel 0 = %#x, want %#x", firstPixel, wantFirst)
	}
}

// TestPaintRegionConcurrentCallsAreIndependent exercises the concurrency
// contract: PaintRegion calls against disjoint tiles from multiple
// goroutines never corrupt each other's output or the shared cache.
func TestPaintRegionConcurrentCallsAreIndependent(t *testing.T) {
	b := &cziBuilder{xml: `<ImageDocument><Metadata><Information><Image><SizeX>8</SizeX><SizeY>8</SizeY></Image></Information></Metadata></ImageDocument>`}
	b.addTileWH(0, 0, 4, 4, 0, 0x10)
	b.addTileWH(4, 0, 4, 4, 0, 0x20)
	b.addTileWH(0, 4, 4, 4, 0, 0x30)
	b.addTileWH(4, 4, 4, 4, 0, 0x40)
	path := writeTempCZI(t, b.build())

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	type region struct{ x, y int64; fill byte }
	regions := []region{{0, 0, 0x10}, {4, 0, 0x20}, {0, 4, 0x30}, {4, 4, 0x40}}

	var g errgroup.Group
	results := make([][]uint32, len(regions))
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			dst := make([]uint32, 4*4)
			if err := s.PaintRegion(dst, 4, 4, 0, r.x, r.y, 4, 4); err != nil {
				return err
			}
			results[i] = dst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent PaintRegion: %v", err)
	}
	for i, r := range regions {
		want := uint32(0xFF000000 | uint32(r.fill) | uint32(r.fill)<<8 | uint32(r.fill)<<16)
		for _, px := range results[i] {
			if px != want {
				t.Errorf("region %d pixel = %#x, want %#x", i, px, want)
			}
		}
	}
}

// TestPaintRegionLevel1UsesLevelLocalCoordinates covers spec.md §4.6 step
// 2: PaintRegion's x, y are in level-0 coordinate space and must be
// divided by the level's downsample before reaching the grid, since
// CreateLevels adds every tile at x/downsample_i, y/downsample_i. The
// fixture's level 1 (downsample 2) holds two tiles at level-local x=0 and
// x=4; querying it at the level-0 x=8 that maps to the second tile only
// lands on the right pixels if PaintRegion performs that division.
func TestPaintRegionLevel1UsesLevelLocalCoordinates(t *testing.T) {
	b := &cziBuilder{xml: `<ImageDocument><Metadata><Information><Image><SizeX>8</SizeX><SizeY>8</SizeY></Image></Information></Metadata></ImageDocument>`}
	b.addTileWH(0, 0, 4, 4, 0, 0x10)
	b.addTileWH(4, 0, 4, 4, 0, 0x20)
	b.addTileWH(0, 4, 4, 4, 0, 0x30)
	b.addTileWH(4, 4, 4, 4, 0, 0x40)
	// downsample-2 tiles: level-0 x 0 and 8, stored 4x4, so sizeX/storedW
	// rounds to downsample_i=2 and CreateLevels places them at level-local
	// x=0 and x=4.
	b.addDownsampledTile(0, 0, 8, 4, 4, 0, 0x99)
	b.addDownsampledTile(8, 0, 8, 4, 4, 0, 0xBB)
	path := writeTempCZI(t, b.build())

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if got := s.LevelCount(); got != 2 {
		t.Fatalf("LevelCount = %d, want 2", got)
	}
	ds, err := s.LevelDownsample(1)
	if err != nil {
		t.Fatalf("LevelDownsample(1): %v", err)
	}
	if ds != 2 {
		t.Fatalf("level 1 downsample = %d, want 2", ds)
	}

	dst := make([]uint32, 4*4)
	if err := s.PaintRegion(dst, 4, 4, 1, 8, 0, 4, 4); err != nil {
		t.Fatalf("PaintRegion: %v", err)
	}
	want := uint32(0xFF000000 | 0xBB | 0xBB<<8 | 0xBB<<16)
	for i, px := range dst {
		if px != want {
			t.Fatalf("pixel %d = %#x, want %#x (level-0 x=8 should map to level-local x=4, the second tile)", i, px, want)
		}
	}
}

// TestPaintRegionWithPooledFileOpenerConcurrentCallsAreIndependent checks
// that swapping in a PooledFileOpener (SPEC_FULL.md §11's file-handle
// pooling option) behind the same FileOpener interface still produces
// correct, independent output under concurrent PaintRegion calls, since
// ReadPixels only ever uses ReadExactAt against the shared handle.
func TestPaintRegionWithPooledFileOpenerConcurrentCallsAreIndependent(t *testing.T) {
	b := &cziBuilder{xml: `<ImageDocument><Metadata><Information><Image><SizeX>8</SizeX><SizeY>8</SizeY></Image></Information></Metadata></ImageDocument>`}
	b.addTileWH(0, 0, 4, 4, 0, 0x10)
	b.addTileWH(4, 0, 4, 4, 0, 0x20)
	b.addTileWH(0, 4, 4, 4, 0, 0x30)
	b.addTileWH(4, 4, 4, 4, 0, 0x40)
	path := writeTempCZI(t, b.build())

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pooled := NewPooledFileOpener(path)
	s.opener = pooled
	defer pooled.CloseAll()

	type region struct {
		x, y int64
		fill byte
	}
	regions := []region{{0, 0, 0x10}, {4, 0, 0x20}, {0, 4, 0x30}, {4, 4, 0x40}}

	var g errgroup.Group
	results := make([][]uint32, len(regions))
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			dst := make([]uint32, 4*4)
			if err := s.PaintRegion(dst, 4, 4, 0, r.x, r.y, 4, 4); err != nil {
				return err
			}
			results[i] = dst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent pooled PaintRegion: %v", err)
	}
	for i, r := range regions {
		want := uint32(0xFF000000 | uint32(r.fill) | uint32(r.fill)<<8 | uint32(r.fill)<<16)
		for _, px := range results[i] {
			if px != want {
				t.Errorf("region %d pixel = %#x, want %#x", i, px, want)
			}
		}
	}
}

// TestOpenRejectsUnsupportedCompression covers scenario S5: a subblock
// declaring a compression this façade does not implement surfaces an
// error naming the rejected codec.
func TestOpenRejectsUnsupportedCompression(t *testing.T) {
	b := &cziBuilder{xml: `<ImageDocument><Metadata><Information><Image><SizeX>4</SizeX><SizeY>4</SizeY></Image></Information></Metadata></ImageDocument>`}
	b.addTileWH(0, 0, 4, 4, 0, 0x10)
	data := b.build()

	// Patch the single directory entry's compression field (LZW = 2).
	// Layout: fileHeaderSize(544) + dirHeader(32+4) then the entry prefix.
	compOff := 544 + 36 + 18
	putLE32(data[compOff:compOff+4], 2)
	path := writeTempCZI(t, data)

	_, err := Open(path)
	if err == nil {
		t.Fatal("expected error for unsupported LZW compression")
	}
	if !containsSubstring(err.Error(), "LZW") {
		t.Errorf("error %q does not name LZW", err.Error())
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
