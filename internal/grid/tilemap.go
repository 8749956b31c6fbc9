package grid

import (
	"github.com/openslide/czi-core/internal/argb"
	"github.com/openslide/czi-core/internal/wsierr"
)

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

type tilemapKey struct {
	col, row int64
}

// tilemapTile is TilemapTile from spec.md §3: a tile placed at a grid cell
// but offset from that cell's nominal origin by (offsetX, offsetY).
type tilemapTile struct {
	offsetX, offsetY int32
	w, h             int32
	data             any
}

// tilemapGrid is the sparse variant from spec.md §3: tiles are added once
// during open and the tilemap is read-only thereafter. Per-tile offsets can
// place a tile's pixels outside its nominal grid cell, so the enumeration
// window is padded by extraTiles{Left,Right,Top,Bottom} to still catch it.
type tilemapGrid struct {
	tileAdvanceX, tileAdvanceY int64
	tiles                      map[tilemapKey]tilemapTile
	nextID                     int64
	ids                        map[tilemapKey]int64

	boundsX, boundsY, boundsW, boundsH int64
	extraLeft, extraRight              int64
	extraTop, extraBottom              int64
}

// NewTilemap builds an empty Tilemap grid with the given nominal cell size.
func NewTilemap(tileAdvanceX, tileAdvanceY int64) *Grid {
	return &Grid{
		Kind:         KindTilemap,
		TileAdvanceX: float64(tileAdvanceX),
		TileAdvanceY: float64(tileAdvanceY),
		tilemap: &tilemapGrid{
			tileAdvanceX: tileAdvanceX,
			tileAdvanceY: tileAdvanceY,
			tiles:        make(map[tilemapKey]tilemapTile),
			ids:          make(map[tilemapKey]int64),
		},
	}
}

// AddTilemapTile replaces any existing entry at (col, row), per spec.md §4.4.
func (g *Grid) AddTilemapTile(col, row int64, offsetX, offsetY, w, h int32, data any) {
	tm := g.tilemap
	key := tilemapKey{col, row}
	tm.tiles[key] = tilemapTile{offsetX: offsetX, offsetY: offsetY, w: w, h: h, data: data}
	if _, ok := tm.ids[key]; !ok {
		tm.ids[key] = tm.nextID
		tm.nextID++
	}

	cellX := col * tm.tileAdvanceX
	cellY := row * tm.tileAdvanceY
	tileX0 := cellX + int64(offsetX)
	tileY0 := cellY + int64(offsetY)
	tileX1 := tileX0 + int64(w)
	tileY1 := tileY0 + int64(h)

	if tm.boundsW == 0 && tm.boundsH == 0 {
		tm.boundsX, tm.boundsY = tileX0, tileY0
		tm.boundsW, tm.boundsH = tileX1-tileX0, tileY1-tileY0
	} else {
		minX := min64(tm.boundsX, tileX0)
		minY := min64(tm.boundsY, tileY0)
		maxX := max64(tm.boundsX+tm.boundsW, tileX1)
		maxY := max64(tm.boundsY+tm.boundsH, tileY1)
		tm.boundsX, tm.boundsY = minX, minY
		tm.boundsW, tm.boundsH = maxX-minX, maxY-minY
	}

	// extra_tiles_* is the ceiling of the offset overflow divided by the
	// tile advance, per spec.md §4.4.
	if offsetX < 0 {
		tm.extraLeft = max64(tm.extraLeft, ceilDiv(int64(-offsetX), tm.tileAdvanceX))
	}
	rightOverflow := tileX1 - (cellX + tm.tileAdvanceX)
	if rightOverflow > 0 {
		tm.extraRight = max64(tm.extraRight, ceilDiv(rightOverflow, tm.tileAdvanceX))
	}
	if offsetY < 0 {
		tm.extraTop = max64(tm.extraTop, ceilDiv(int64(-offsetY), tm.tileAdvanceY))
	}
	bottomOverflow := tileY1 - (cellY + tm.tileAdvanceY)
	if bottomOverflow > 0 {
		tm.extraBottom = max64(tm.extraBottom, ceilDiv(bottomOverflow, tm.tileAdvanceY))
	}
}

func (g *tilemapGrid) paintRegion(dst *argb.Surface, arg any, x, y int64, w, h int, read ReadTileFunc) error {
	aw, ah := g.tileAdvanceX, g.tileAdvanceY
	if aw == 0 || ah == 0 {
		return nil
	}

	startCol := floorDiv(x, aw) - g.extraLeft
	endCol := floorDiv(x+int64(w)-1, aw) + g.extraRight
	startRow := floorDiv(y, ah) - g.extraTop
	endRow := floorDiv(y+int64(h)-1, ah) + g.extraBottom

	for row := endRow; row >= startRow; row-- {
		for col := endCol; col >= startCol; col-- {
			key := tilemapKey{col, row}
			tile, ok := g.tiles[key]
			if !ok {
				continue
			}
			if abs32(tile.offsetX) >= int32(aw) || abs32(tile.offsetY) >= int32(ah) {
				return &wsierr.Internal{Kind: wsierr.GridMisaligned, Detail: "tile offset exceeds tile advance"}
			}

			tileX0 := col*aw + int64(tile.offsetX)
			tileY0 := row*ah + int64(tile.offsetY)
			tileX1 := tileX0 + int64(tile.w)
			tileY1 := tileY0 + int64(tile.h)

			// Re-check actual intersection: the enumeration window is only
			// a conservative superset once widened by extra_tiles_*.
			if tileX1 <= x || tileX0 >= x+int64(w) || tileY1 <= y || tileY0 >= y+int64(h) {
				continue
			}

			dstOffX := int(tileX0 - x)
			dstOffY := int(tileY0 - y)
			ts := dst.Translate(dstOffX, dstOffY)
			if err := read(&ts, g.ids[key], tile.data, arg); err != nil {
				return err
			}
		}
	}
	return nil
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
