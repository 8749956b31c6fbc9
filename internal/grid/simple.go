package grid

import (
	"github.com/openslide/czi-core/internal/argb"
)

// simpleGrid is the regular-array variant from spec.md §3: every tile has
// identical dimensions, and tile (col, row) occupies
// [col*tileW, (col+1)*tileW) x [row*tileH, (row+1)*tileH).
type simpleGrid struct {
	tilesAcross, tilesDown int64
	tileW, tileH           int32
}

// NewSimple builds a Simple grid. The Grid's TileAdvanceX/Y fields are set
// to tileW/tileH as floats; they are kept as separate fields to mirror
// spec.md's field names.
func NewSimple(tilesAcross, tilesDown int64, tileW, tileH int32) *Grid {
	return &Grid{
		Kind:         KindSimple,
		TileAdvanceX: float64(tileW),
		TileAdvanceY: float64(tileH),
		simple:       &simpleGrid{tilesAcross: tilesAcross, tilesDown: tilesDown, tileW: tileW, tileH: tileH},
	}
}

func (g *simpleGrid) paintRegion(dst *argb.Surface, arg any, x, y int64, w, h int, read ReadTileFunc) error {
	tw, th := int64(g.tileW), int64(g.tileH)
	if tw == 0 || th == 0 {
		return nil
	}

	startTileX := floorDiv(x, tw)
	startTileY := floorDiv(y, th)
	endTileX := floorDiv(x+int64(w)-1, tw)
	endTileY := floorDiv(y+int64(h)-1, th)

	// Negative start tiles are clamped to 0; the destination offset formula
	// below (col*tw - x) already accounts for the skipped tiles, per
	// spec.md §4.4.
	if startTileX < 0 {
		startTileX = 0
	}
	if startTileY < 0 {
		startTileY = 0
	}
	if endTileX >= g.tilesAcross {
		endTileX = g.tilesAcross - 1
	}
	if endTileY >= g.tilesDown {
		endTileY = g.tilesDown - 1
	}
	if startTileX > endTileX || startTileY > endTileY {
		return nil
	}

	// Bottom-right to top-left, per spec.md §4.4.
	for row := endTileY; row >= startTileY; row-- {
		for col := endTileX; col >= startTileX; col-- {
			tileID := row*g.tilesAcross + col
			dstOffX := int(col*tw - x)
			dstOffY := int(row*th - y)
			ts := dst.Translate(dstOffX, dstOffY)
			if err := read(&ts, tileID, nil, arg); err != nil {
				return err
			}
		}
	}
	return nil
}
