// Package slide implements the format-independent reading session from
// spec.md §3/§4.6: Open parses a backing file into a Slide, paint_region
// serves pixels level by level through the decoded-tile cache, and the
// property/associated-image tables are exposed read-only once Open
// returns.
//
// Open's sequence (parse container, derive properties, build levels,
// enumerate associated images, compute the quickhash) is the same shape
// as the teacher's cog.Open in reader.go; the per-tile cache-then-decode
// reader in PaintRegion generalizes ReadRegion's inline decode into a
// pluggable ReadTileFunc driven by internal/grid.
package slide

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/openslide/czi-core/internal/argb"
	"github.com/openslide/czi-core/internal/czi"
	"github.com/openslide/czi-core/internal/ioadapter"
	"github.com/openslide/czi-core/internal/tilecache"
	"github.com/openslide/czi-core/internal/wsierr"
)

// FileOpener opens fresh positioned-read handles against a slide's
// backing store. A Slide always goes through its opener rather than
// caching an *ioadapter.File, per spec.md §9's resolved Open Question
// (fresh handle per paint_region call); a pooling FileOpener
// (SPEC_FULL.md §11) can be substituted without touching this package.
type FileOpener interface {
	Open() (*ioadapter.File, error)
}

type osFileOpener struct {
	path string
}

func (o osFileOpener) Open() (*ioadapter.File, error) {
	return ioadapter.Open(o.path)
}

// PooledFileOpener reuses a single *ioadapter.File across Open calls
// instead of opening and closing a fresh handle every time, giving up the
// per-call isolation the default osFileOpener provides in exchange for
// fewer syscalls under heavy concurrent PaintRegion traffic against the
// same slide. This is
// only safe for callers that exclusively use ReadExactAt — czi.ReadPixels,
// PaintRegion's sole per-tile reader, never touches the adapter's cursor —
// since ioadapter.File's Seek/Tell/ReadNextAt cursor is unsynchronized and
// would race if shared across concurrent sequential readers. Do not use
// this opener for Open itself, which does read sequentially.
type PooledFileOpener struct {
	mu   sync.Mutex
	path string
	f    *ioadapter.File
}

// NewPooledFileOpener constructs a FileOpener that keeps one handle open
// against path for the lifetime of the opener.
func NewPooledFileOpener(path string) *PooledFileOpener {
	return &PooledFileOpener{path: path}
}

func (p *PooledFileOpener) Open() (*ioadapter.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		f, err := ioadapter.Open(p.path)
		if err != nil {
			return nil, err
		}
		p.f = f
	}
	return p.f, nil
}

// CloseAll closes the underlying handle, for use once a caller is done
// with every Slide built against this opener.
func (p *PooledFileOpener) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// debugTiles is parsed once at process init from OPENSLIDE_DEBUG, per
// spec.md §6's external-interfaces note: "tiles" overlays tile boundaries
// on painted regions of grids with a fixed tile advance. Range grids,
// which every CZI level uses, get no overlay.
var debugTiles = os.Getenv("OPENSLIDE_DEBUG") == "tiles"

const debugGridColor uint32 = 0xFFFF00FF // opaque magenta

// Slide is the open handle described in spec.md §3.
type Slide struct {
	opener     FileOpener
	c          *czi.Czi
	images     map[string]*czi.AssociatedImage
	quickHash1 string
}

// Open parses path as a ZISRAWFILE container and runs spec.md §4.5's open
// sequence to completion: directory, metadata, scenes, levels, associated
// images, quickhash.
func Open(path string) (*Slide, error) {
	opener := osFileOpener{path: path}
	f, err := opener.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := czi.CreateCZI(f, 0)
	if err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("opening %s", path), err)
	}
	if err := c.ReadMetaXML(f); err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("reading metadata of %s", path), err)
	}
	if err := c.ParseXMLSetProperties(); err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("parsing metadata of %s", path), err)
	}
	if err := c.ReadScenesSetProp(); err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("deriving scenes of %s", path), err)
	}
	if err := c.CreateLevels(); err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("building levels of %s", path), err)
	}
	images, err := c.AddAssociatedImages(f)
	if err != nil {
		return nil, wsierr.Wrap(fmt.Sprintf("reading associated images of %s", path), err)
	}

	quickHash1 := c.ComputeQuickHash1()
	c.Properties["openslide.quickhash-1"] = quickHash1

	return &Slide{
		opener:     opener,
		c:          c,
		images:     images,
		quickHash1: quickHash1,
	}, nil
}

// Close releases any resources held by the Slide. A Slide holds no file
// handle open between calls (each PaintRegion opens and closes its own),
// so Close is a no-op kept for symmetry with the teacher's Reader.Close.
func (s *Slide) Close() error { return nil }

// LevelCount reports the number of retained pyramid levels.
func (s *Slide) LevelCount() int { return len(s.c.Levels) }

// LevelDimensions reports level's pixel extent.
func (s *Slide) LevelDimensions(level int) (w, h int64, err error) {
	lvl, err := s.level(level)
	if err != nil {
		return 0, 0, err
	}
	return lvl.Width, lvl.Height, nil
}

// LevelDownsample reports level's downsample factor relative to level 0.
func (s *Slide) LevelDownsample(level int) (int64, error) {
	lvl, err := s.level(level)
	if err != nil {
		return 0, err
	}
	return lvl.Downsample, nil
}

func (s *Slide) level(level int) (*czi.Level, error) {
	if level < 0 || level >= len(s.c.Levels) {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("level %d out of range [0,%d)", level, len(s.c.Levels))}
	}
	return s.c.Levels[level], nil
}

// Get returns a named property, case-sensitive, read-only post-open.
func (s *Slide) Get(name string) (string, bool) {
	v, ok := s.c.Properties[name]
	return v, ok
}

// Properties returns the full property table. Callers must not mutate it.
func (s *Slide) Properties() map[string]string {
	return s.c.Properties
}

// QuickHash1 returns the openslide.quickhash-1 digest computed at open.
func (s *Slide) QuickHash1() string { return s.quickHash1 }

// AssociatedImageNames lists the associated images discovered at open.
func (s *Slide) AssociatedImageNames() []string {
	names := make([]string, 0, len(s.images))
	for k := range s.images {
		names = append(names, k)
	}
	return names
}

// AssociatedImage returns the named associated image, if any.
func (s *Slide) AssociatedImage(name string) (*czi.AssociatedImage, bool) {
	img, ok := s.images[name]
	return img, ok
}

// PaintRegion fills dst (dstW x dstH premultiplied ARGB32 pixels, row
// major) with the w x h rectangle whose top-left corner is (x, y) in
// level-0 coordinate space, per spec.md §4.6. Every call opens a fresh
// file handle for its own duration; tiles are served from the level's
// cache, decoding and populating it on a miss.
func (s *Slide) PaintRegion(dst []uint32, dstW, dstH int, level int, x, y int64, w, h int) error {
	lvl, err := s.level(level)
	if err != nil {
		return err
	}

	// spec.md §4.6 step 2: the grid is indexed in level-local coordinates
	// (CreateLevels adds every tile at x/downsample_i, y/downsample_i), so
	// the caller's level-0 (x, y) must be divided by the level's downsample
	// before reaching the grid.
	levelX := x / lvl.Downsample
	levelY := y / lvl.Downsample

	f, err := s.opener.Open()
	if err != nil {
		return err
	}
	// A PooledFileOpener's handle is shared with other calls and is closed
	// by its CloseAll, not here.
	if _, pooled := s.opener.(*PooledFileOpener); !pooled {
		defer f.Close()
	}

	surface := argb.NewSurface(dst, dstW, dstH)

	read := func(tileSurf *argb.Surface, tileID int64, tileData any, _ any) error {
		sb, ok := tileData.(*czi.Subblock)
		if !ok || sb == nil {
			return &wsierr.Internal{Kind: wsierr.GridMisaligned, Detail: "grid tile carries no subblock payload"}
		}

		key := tilecache.TileFingerprint{LevelIdentity: lvl, TileID: tileID, Plane: 0}
		if ref, ok := lvl.Cache.Get(key); ok {
			defer ref.Release()
			tileSurf.Composite(unpackARGB(ref.Bytes(), int(sb.W), int(sb.H)))
			return nil
		}

		raw, err := s.c.ReadPixels(f, sb)
		if err != nil {
			return err
		}
		ref := lvl.Cache.Put(key, raw)
		defer ref.Release()
		tileSurf.Composite(unpackARGB(ref.Bytes(), int(sb.W), int(sb.H)))
		return nil
	}

	if err := lvl.Grid.PaintRegion(surface, nil, levelX, levelY, w, h, read); err != nil {
		return err
	}

	if debugTiles && !math.IsNaN(lvl.Grid.TileAdvanceX) {
		paintDebugGrid(dst, dstW, dstH, levelX, levelY, lvl.Grid.TileAdvanceX, lvl.Grid.TileAdvanceY)
	}
	return nil
}

// unpackARGB turns the raw B,G,R,A byte-per-channel tile bytes produced by
// czi.Czi.ReadPixels back into an argb.Buffer of packed ARGB32 words, the
// shape argb.Surface.Composite expects.
func unpackARGB(raw []byte, w, h int) *argb.Buffer {
	buf := argb.NewBuffer(w, h)
	n := w * h
	for i := 0; i < n; i++ {
		b := raw[4*i+0]
		g := raw[4*i+1]
		r := raw[4*i+2]
		a := raw[4*i+3]
		buf.Pix[i] = uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	}
	return buf
}

// paintDebugGrid overlays a one-pixel-wide line at every tile boundary
// within dst, per OPENSLIDE_DEBUG=tiles. Only meaningful for the regular
// Simple/Tilemap advance grids; Range's NaN advance is filtered out by the
// caller before this is reached.
func paintDebugGrid(dst []uint32, dstW, dstH int, x, y int64, tileAdvanceX, tileAdvanceY float64) {
	if tileAdvanceX <= 0 || tileAdvanceY <= 0 {
		return
	}
	for row := 0; row < dstH; row++ {
		ly := y + int64(row)
		onHLine := math.Mod(float64(ly), tileAdvanceY) == 0
		for col := 0; col < dstW; col++ {
			lx := x + int64(col)
			onVLine := math.Mod(float64(lx), tileAdvanceX) == 0
			if onHLine || onVLine {
				dst[row*dstW+col] = debugGridColor
			}
		}
	}
}
