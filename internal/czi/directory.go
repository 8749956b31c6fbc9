package czi

import (
	"fmt"

	"github.com/openslide/czi-core/internal/codec"
	"github.com/openslide/czi-core/internal/ioadapter"
	"github.com/openslide/czi-core/internal/wsierr"
)

// directoryEntryPrefixSize is the fixed 32-byte prefix of a
// DirectoryEntryDV, before its ndimensions*20 trailing DimensionEntryDV
// records, per spec.md §4.5.
const directoryEntryPrefixSize = 32

// dimensionEntrySize is sizeof(DimensionEntryDV).
const dimensionEntrySize = 20

// Subblock is the per-tile directory record from spec.md §3.
type Subblock struct {
	FilePos     int64
	DownsampleI int64
	PixelType   codec.PixelType
	Compression codec.Compression
	X, Y        int32
	Z           int32
	W, H        uint32
	Scene       int8
}

// readDirectoryEntry parses one variable-length DirectoryEntryDV starting
// at the adapter's current cursor, applying the dimension character table
// from spec.md §4.5. DownsampleI is the X dimension's size/stored_size
// ratio rounded to the nearest integer (see roundNearestRatio).
func readDirectoryEntry(f *ioadapter.File, nscene int32) (Subblock, error) {
	prefix := make([]byte, directoryEntryPrefixSize)
	if err := f.ReadNextAt(prefix); err != nil {
		return Subblock{}, wsierr.Wrap("reading directory entry prefix", err)
	}
	schema := string(prefix[0:2])
	if schema != "DV" {
		return Subblock{}, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("directory entry schema %q, want DV", schema)}
	}
	pixelType := codec.PixelType(int32(le32(prefix[2:6])))
	filePos := int64(le64(prefix[6:14]))
	compression := codec.Compression(int32(le32(prefix[18:22])))
	ndimensions := int32(le32(prefix[28:32]))

	sb := Subblock{
		FilePos:     filePos,
		PixelType:   pixelType,
		Compression: compression,
		Scene:       -1,
	}

	haveX, haveY := false, false
	var sizeX, storedX uint32

	for i := int32(0); i < ndimensions; i++ {
		dim := make([]byte, dimensionEntrySize)
		if err := f.ReadNextAt(dim); err != nil {
			return Subblock{}, wsierr.Wrap("reading dimension entry", err)
		}
		char := dim[0]
		start := int32(le32(dim[4:8]))
		size := le32(dim[8:12])
		storedSize := le32(dim[16:20])

		switch char {
		case 'X':
			if storedSize == 0 {
				return Subblock{}, &wsierr.Data{Kind: wsierr.ZeroTileDimension, Detail: "X dimension stored_size == 0"}
			}
			sb.X = start
			sb.W = storedSize
			sizeX, storedX = size, storedSize
			haveX = true
		case 'Y':
			if storedSize == 0 {
				return Subblock{}, &wsierr.Data{Kind: wsierr.ZeroTileDimension, Detail: "Y dimension stored_size == 0"}
			}
			sb.Y = start
			sb.H = storedSize
			haveY = true
		case 'S':
			if start < 0 || (nscene > 0 && start >= nscene) {
				return Subblock{}, &wsierr.Data{Kind: wsierr.DimensionOutOfRange, Detail: fmt.Sprintf("scene %d out of range [0, %d)", start, nscene)}
			}
			sb.Scene = int8(start)
		case 'C':
			if start != 0 {
				return Subblock{}, &wsierr.Data{Kind: wsierr.Multichannel, Detail: fmt.Sprintf("channel %d != 0", start)}
			}
		case 'M':
			sb.Z = start
		default:
			return Subblock{}, &wsierr.Data{Kind: wsierr.UnknownDimension, Detail: fmt.Sprintf("dimension character %q", char)}
		}
	}

	if !haveX || !haveY {
		return Subblock{}, &wsierr.Data{Kind: wsierr.Malformed, Detail: "directory entry missing X or Y dimension"}
	}
	if sb.Scene == -1 {
		sb.Scene = 0
	}
	sb.DownsampleI = roundNearestRatio(int64(sizeX), int64(storedX))

	return sb, nil
}

// roundNearestRatio computes round_nearest(size/stored_size), per spec.md
// §4.5's downsample_i derivation.
func roundNearestRatio(size, stored int64) int64 {
	if stored == 0 {
		return 1
	}
	return (size + stored/2) / stored
}

// readSubblockDirectory reads the ZISRAWDIRECTORY segment at
// zisrawOffset + subblkDirPos: a 32-byte generic header, a 4-byte entry
// count, then entryCount variable-length DirectoryEntryDV records,
// per spec.md §4.5's "Subblock directory reader".
func readSubblockDirectory(f *ioadapter.File, zisrawOffset, subblkDirPos int64, nscene int32) ([]Subblock, error) {
	base := zisrawOffset + subblkDirPos
	hdr, err := readSegmentHeader(f, base, sidDirectory)
	if err != nil {
		return nil, err
	}

	countBuf := make([]byte, 4)
	if err := f.ReadExactAt(countBuf, base+segmentHeaderSize); err != nil {
		return nil, wsierr.Wrap("reading directory entry count", err)
	}
	entryCount := int32(le32(countBuf))

	// Seek the cursor to just past entry_count; the rest is read
	// sequentially via ReadNextAt per subblock.
	if _, err := f.Seek(base+segmentHeaderSize+4, 0); err != nil {
		return nil, wsierr.Wrap("seeking to directory entries", err)
	}

	avail := hdr.usedSize - 4 // used_size covers entry_count + all entries
	subblocks := make([]Subblock, 0, entryCount)
	for i := int32(0); i < entryCount; i++ {
		before := f.Tell()
		sb, err := readDirectoryEntry(f, nscene)
		if err != nil {
			return nil, wsierr.Wrap("reading directory entry", err)
		}
		consumed := f.Tell() - before
		avail -= consumed
		if avail < 0 {
			return nil, &wsierr.Data{Kind: wsierr.InconsistentDirectory, Detail: "directory entries overran declared used_size"}
		}
		subblocks = append(subblocks, sb)
	}
	if avail != 0 {
		return nil, &wsierr.Data{Kind: wsierr.TrailingBytes, Detail: fmt.Sprintf("%d trailing bytes after directory entries", avail)}
	}
	return subblocks, nil
}
