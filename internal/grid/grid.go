// Package grid implements the tile grid described in spec.md §4.4: a
// spatial index from level coordinates to the tiles intersecting a query
// rectangle, in one of three variants (Simple, Tilemap, Range) behind a
// single paint_region contract. The shared tile-iteration-then-composite
// shape is adapted from the teacher's Reader.ReadRegion (reader.go),
// generalized here into a tagged union so each variant supplies its own
// tile enumeration while sharing the translate/invoke/restore step.
package grid

import (
	"math"

	"github.com/openslide/czi-core/internal/argb"
	"github.com/openslide/czi-core/internal/wsierr"
)

// ReadTileFunc is the variant-specific per-tile callback: given the
// destination surface already translated to the tile's origin, the tile
// id, the opaque per-tile data handed to add_tile (nil for Simple, whose
// tiles are implicit), and the caller-supplied arg, it paints the tile's
// pixels. Matches spec.md §4.4's "(slide, cr, level, tile-id, tile-data,
// arg)" callback shape.
type ReadTileFunc func(dst *argb.Surface, tileID int64, tileData any, arg any) error

// Kind tags which concrete variant a Grid holds.
type Kind int

const (
	KindSimple Kind = iota
	KindTilemap
	KindRange
)

// Grid is a tagged union over the three grid variants from spec.md §4.4.
// Exactly one of the Kind-matching fields is populated.
type Grid struct {
	Kind Kind

	// TileAdvanceX / TileAdvanceY are NaN for Range, per spec.md §3.
	TileAdvanceX float64
	TileAdvanceY float64

	simple  *simpleGrid
	tilemap *tilemapGrid
	rng     *rangeGrid
}

// checkAdvance is the generic half of spec.md §4.4's edge case "|offset_x|
// >= tile_advance_x or |offset_y| >= tile_advance_y -> Internal{grid
// misaligned}": a destination offset may never exceed a full tile advance
// away from its expected cell. Range has no fixed advance and is exempt.
// No paint path calls this helper: Tilemap's paintRegion performs the same
// check inline, and Simple tiles carry no per-tile offset.
func (g *Grid) checkAdvance(offsetX, offsetY float64) error {
	if g.Kind == KindRange {
		return nil
	}
	if math.Abs(offsetX) >= g.TileAdvanceX || math.Abs(offsetY) >= g.TileAdvanceY {
		return &wsierr.Internal{
			Kind:   wsierr.GridMisaligned,
			Detail: "tile offset exceeds tile advance",
		}
	}
	return nil
}

// GetBounds reports the grid's painted extent in level coordinates.
func (g *Grid) GetBounds() (x, y, w, h int64) {
	switch g.Kind {
	case KindSimple:
		return 0, 0, g.simple.tilesAcross * int64(g.simple.tileW), g.simple.tilesDown * int64(g.simple.tileH)
	case KindTilemap:
		return g.tilemap.boundsX, g.tilemap.boundsY, g.tilemap.boundsW, g.tilemap.boundsH
	case KindRange:
		return g.rng.boundsX, g.rng.boundsY, g.rng.boundsW, g.rng.boundsH
	default:
		return 0, 0, 0, 0
	}
}

// PaintRegion computes the tiles intersecting [x, y, x+w, y+h) in level
// coordinates, iterates them in back-to-front order, and for each:
// translates dst by the tile's destination offset, invokes read, then
// restores the translation (spec.md §4.4's three-step per-tile contract).
func (g *Grid) PaintRegion(dst *argb.Surface, arg any, x, y int64, w, h int, read ReadTileFunc) error {
	switch g.Kind {
	case KindSimple:
		return g.simple.paintRegion(dst, arg, x, y, w, h, read)
	case KindTilemap:
		return g.tilemap.paintRegion(dst, arg, x, y, w, h, read)
	case KindRange:
		return g.rng.paintRegion(dst, arg, x, y, w, h, read)
	default:
		return &wsierr.Internal{Kind: wsierr.GridMisaligned, Detail: "grid has no kind"}
	}
}
