package grid

import (
	"sort"

	"github.com/openslide/czi-core/internal/argb"
	"github.com/openslide/czi-core/internal/wsierr"
)

type rangeTile struct {
	id   int64
	x, y int64
	w, h int32
	z    int32
	data any
}

type binKey struct {
	col, row int64
}

// rangeGrid is the bin-indexed variant from spec.md §3: tiles are added
// during open into an init-bins map keyed by a coarse (col, row) binning
// grid, then finish_adding_tiles flattens each bin into a runtime-bins map
// that paint_region walks. Bin size is 3 x the level's typical tile
// dimension.
type rangeGrid struct {
	binSize int64

	building bool
	tiles    []rangeTile
	nextID   int64
	initBins map[binKey][]int64 // tile index into tiles

	finished    bool
	runtimeBins map[binKey][]int64 // tile index, sorted in paint order

	boundsX, boundsY, boundsW, boundsH int64
	haveBounds                         bool
}

// NewRange builds an empty Range grid whose bin size is derived from
// typicalTileDim, per spec.md §4.5 step 5.
func NewRange(typicalTileDim int64) *Grid {
	binSize := 3 * typicalTileDim
	if binSize <= 0 {
		binSize = 1
	}
	return &Grid{
		Kind:         KindRange,
		TileAdvanceX: nan(),
		TileAdvanceY: nan(),
		rng: &rangeGrid{
			binSize:  binSize,
			building: true,
			initBins: make(map[binKey][]int64),
		},
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func (r *rangeGrid) binsFor(x, y int64, w, h int32) (col0, col1, row0, row1 int64) {
	col0 = floorDiv(x, r.binSize)
	col1 = floorDiv(x+int64(w)-1, r.binSize)
	row0 = floorDiv(y, r.binSize)
	row1 = floorDiv(y+int64(h)-1, r.binSize)
	return
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// AddRangeTile assigns a monotonically increasing id, appends the tile,
// and inserts it into every init-bin its rectangle intersects. Must be
// followed by FinishAddingTiles before any PaintRegion call.
func (g *Grid) AddRangeTile(x, y int64, w, h int32, z int32, data any) int64 {
	r := g.rng
	id := r.nextID
	r.nextID++
	idx := int64(len(r.tiles))
	r.tiles = append(r.tiles, rangeTile{id: id, x: x, y: y, w: w, h: h, z: z, data: data})

	if !r.haveBounds {
		r.boundsX, r.boundsY = x, y
		r.boundsW, r.boundsH = int64(w), int64(h)
		r.haveBounds = true
	} else {
		minX := min64(r.boundsX, x)
		minY := min64(r.boundsY, y)
		maxX := max64(r.boundsX+r.boundsW, x+int64(w))
		maxY := max64(r.boundsY+r.boundsH, y+int64(h))
		r.boundsX, r.boundsY = minX, minY
		r.boundsW, r.boundsH = maxX-minX, maxY-minY
	}

	col0, col1, row0, row1 := r.binsFor(x, y, w, h)
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			key := binKey{col, row}
			r.initBins[key] = append(r.initBins[key], idx)
		}
	}
	return id
}

// rangePaintOrder is the back-to-front comparator from spec.md §4.4: z
// ascending (higher z painted last), then y descending, then x descending,
// ties preserved via a stable sort.
func rangePaintOrder(tiles []rangeTile) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.z != b.z {
			return a.z < b.z
		}
		if a.y != b.y {
			return a.y > b.y
		}
		return a.x > b.x
	}
}

// FinishAddingTiles flattens each init-bin into a runtime-bin sorted in
// back-to-front paint order, and atomically swaps runtime-bins into place.
// No AddTile call is valid after this returns.
func (g *Grid) FinishAddingTiles() {
	r := g.rng
	runtime := make(map[binKey][]int64, len(r.initBins))
	for key, idxs := range r.initBins {
		cp := append([]int64(nil), idxs...)
		sort.SliceStable(cp, func(i, j int) bool {
			return rangePaintOrder(r.tiles)(int(cp[i]), int(cp[j]))
		})
		runtime[key] = cp
	}
	r.runtimeBins = runtime
	r.initBins = nil
	r.building = false
	r.finished = true
}

func (r *rangeGrid) paintRegion(dst *argb.Surface, arg any, x, y int64, w, h int, read ReadTileFunc) error {
	if !r.finished {
		return &wsierr.Internal{Kind: wsierr.RangeNotFinished, Detail: "paint_region called before finish_adding_tiles"}
	}

	// Widen the bin window by one bin in each direction. AddRangeTile
	// already indexes a tile in every bin its rectangle touches, so the
	// extra bins are only a conservative margin; candidates that do not
	// actually intersect the query are dropped by the check below.
	col0 := floorDiv(x, r.binSize) - 1
	col1 := floorDiv(x+int64(w)-1, r.binSize) + 1
	row0 := floorDiv(y, r.binSize) - 1
	row1 := floorDiv(y+int64(h)-1, r.binSize) + 1

	candidates := make(map[int64]struct{})
	var order []int64
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			for _, idx := range r.runtimeBins[binKey{col, row}] {
				if _, seen := candidates[idx]; seen {
					continue
				}
				candidates[idx] = struct{}{}
				order = append(order, idx)
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return rangePaintOrder(r.tiles)(int(order[i]), int(order[j]))
	})

	var lastPainted int64 = -1
	for _, idx := range order {
		if idx == lastPainted {
			continue
		}
		t := r.tiles[idx]
		tileX1 := t.x + int64(t.w)
		tileY1 := t.y + int64(t.h)
		if tileX1 <= x || t.x >= x+int64(w) || tileY1 <= y || t.y >= y+int64(h) {
			continue
		}
		dstOffX := int(t.x - x)
		dstOffY := int(t.y - y)
		ts := dst.Translate(dstOffX, dstOffY)
		if err := read(&ts, t.id, t.data, arg); err != nil {
			return err
		}
		lastPainted = idx
	}
	return nil
}
