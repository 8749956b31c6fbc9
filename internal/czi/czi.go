package czi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openslide/czi-core/internal/codec"
	"github.com/openslide/czi-core/internal/grid"
	"github.com/openslide/czi-core/internal/ioadapter"
	"github.com/openslide/czi-core/internal/tilecache"
	"github.com/openslide/czi-core/internal/wsierr"
)

const fileHeaderSize = 544 // ZISRAWFILE segment, fixed, per spec.md §6.

// Czi is the per-format parsed container from spec.md §3.
type Czi struct {
	ZisrawOffset int64

	PrimaryFileGUID [16]byte
	FileGUID        [16]byte

	SubblkDirPos int64
	MetaPos      int64
	AttDirPos    int64

	W, H, NScene, NSubblk int32
	Subblks               []Subblock

	// Populated by ReadMetaXML / ParseXMLSetProperties.
	MetaXML    []byte
	Properties map[string]string

	// Populated by ReadScenesSetProp.
	MaxDownsample int64

	// Populated by CreateLevels.
	Levels []*Level
}

// Level is the CZI-specific level record sitting behind spec.md §3's
// generic Level type. The grid is the Range variant; Cache is this
// level's own tile cache, and its entries are keyed by this level's
// pointer identity (spec.md §4.3's two-tier key scheme).
type Level struct {
	Downsample int64
	Width      int64
	Height     int64
	TileW      int32
	TileH      int32
	Grid       *grid.Grid
	Cache      *tilecache.Cache
}

// AssociatedImage is spec.md §3's AssociatedImage, specialized with the
// CZI-specific payload needed to decode it on demand.
type AssociatedImage struct {
	Width, Height int32
	payload       associatedPayload
}

type associatedPayload interface {
	decode() ([]byte, error) // ARGB32 pixels, 4 bytes each in B,G,R,A order
}

// CreateCZI parses a ZISRAWFILE container (top-level or embedded) starting
// at offset within f, per spec.md §4.5 step 1.
func CreateCZI(f *ioadapter.File, offset int64) (*Czi, error) {
	hdr := make([]byte, fileHeaderSize)
	if err := f.ReadExactAt(hdr, offset); err != nil {
		return nil, wsierr.Wrap("reading CZI file header", err)
	}
	sid := trimSID(hdr[0:16])
	if sid != sidFile {
		return nil, &wsierr.Data{Kind: wsierr.MissingMagic, Detail: fmt.Sprintf("expected ZISRAWFILE, found %q", sid)}
	}

	body := hdr[segmentHeaderSize:]
	// FileHeaderSegmentData layout (after the 32-byte generic header):
	// major/minor (4+4), reserved1/2 (4+4), primary_file_guid (16),
	// file_guid (16), file_part (4), 4 bytes padding for int64 alignment,
	// subblk_dir_pos (8), meta_pos (8), update_pending (4), 4 bytes
	// padding, att_dir_pos (8).
	c := &Czi{ZisrawOffset: offset}
	copy(c.PrimaryFileGUID[:], body[16:32])
	copy(c.FileGUID[:], body[32:48])
	c.SubblkDirPos = int64(le64(body[56:64]))
	c.MetaPos = int64(le64(body[64:72]))
	c.AttDirPos = int64(le64(body[80:88]))

	subblks, err := readSubblockDirectory(f, c.ZisrawOffset, c.SubblkDirPos, 0)
	if err != nil {
		return nil, err
	}
	if len(subblks) == 0 {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "subblock directory is empty"}
	}

	// Coordinate origin adjustment, per spec.md §4.5 step 1: subtract
	// min_x/min_y from every subblock so the minimum-x tile has x == 0.
	// The properties table still needs the pre-adjustment origin to
	// publish openslide.bounds-x, so that is recorded before shifting.
	minX, minY := subblks[0].X, subblks[0].Y
	for _, sb := range subblks {
		if sb.X < minX {
			minX = sb.X
		}
		if sb.Y < minY {
			minY = sb.Y
		}
	}
	for i := range subblks {
		subblks[i].X -= minX
		subblks[i].Y -= minY
	}
	c.Subblks = subblks
	c.NSubblk = int32(len(subblks))
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties["openslide.bounds-x"] = strconv.FormatInt(int64(minX), 10)
	c.Properties["openslide.bounds-y"] = strconv.FormatInt(int64(minY), 10)

	return c, nil
}

// ReadMetaXML seeks to zisraw_offset + meta_pos, reads the metadata
// segment header (32-byte generic + 4-byte xml_size + 252 bytes of
// reserved attachment-size padding up to the segment's fixed layout),
// then reads xml_size bytes of UTF-8 XML, per spec.md §4.5 step 2.
func (c *Czi) ReadMetaXML(f *ioadapter.File) error {
	base := c.ZisrawOffset + c.MetaPos
	if _, err := readSegmentHeader(f, base, sidMetadata); err != nil {
		return err
	}
	sizeBuf := make([]byte, 4)
	if err := f.ReadExactAt(sizeBuf, base+segmentHeaderSize); err != nil {
		return wsierr.Wrap("reading metadata xml_size", err)
	}
	xmlSize := le32(sizeBuf)

	// MetadataSegmentData reserves 256 bytes before the attachment proper;
	// xml_size is immediately followed by that padding, then the XML
	// itself starts at a fixed 256-byte offset from the segment data start.
	const metadataDataOffset = 256
	xmlBytes := make([]byte, xmlSize)
	if err := f.ReadExactAt(xmlBytes, base+segmentHeaderSize+metadataDataOffset); err != nil {
		return wsierr.Wrap("reading metadata xml body", err)
	}
	c.MetaXML = xmlBytes
	return nil
}

// ParseXMLSetProperties walks the metadata XML tree, publishes
// zeiss.<dotted-path> properties, and derives w/h/nscene plus the
// openslide.mpp-*/objective-power properties, per spec.md §4.5 step 3.
func (c *Czi) ParseXMLSetProperties() error {
	flat, err := flattenXMLProperties(c.MetaXML)
	if err != nil {
		return err
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	for k, v := range zeissProperties(flat) {
		c.Properties[k] = v
	}

	// The CZI metadata root is <ImageDocument><Metadata>...; every path
	// below is relative to that prefix.
	const root = "ImageDocument.Metadata"

	sizeX, err := requiredInt(flat, root+".Information.Image.SizeX")
	if err != nil {
		return err
	}
	sizeY, err := requiredInt(flat, root+".Information.Image.SizeY")
	if err != nil {
		return err
	}
	c.W, c.H = int32(sizeX), int32(sizeY)

	// SizeS is optional; missing means a single scene, per spec.md §4.5.
	if v, ok := flat[root+".Information.Image.SizeS"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &wsierr.Data{Kind: wsierr.Malformed, Detail: "SizeS is not an integer"}
		}
		c.NScene = int32(n)
	} else {
		c.NScene = 1
	}

	if mppX, ok := flat[root+".Scaling.Items.X.Value"]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(mppX), 64); err == nil {
			c.Properties["openslide.mpp-x"] = strconv.FormatFloat(v*1e6, 'g', -1, 64)
		}
	}
	if mppY, ok := flat[root+".Scaling.Items.Y.Value"]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(mppY), 64); err == nil {
			c.Properties["openslide.mpp-y"] = strconv.FormatFloat(v*1e6, 'g', -1, 64)
		}
	}
	// ObjectiveSettings.ObjectiveRef names an Objective by Id; resolve the
	// indirection to find that objective's NominalMagnification, per
	// spec.md §4.5 step 3's "ObjectiveSettings.ObjectiveRef →
	// NominalMagnification".
	if ref, ok := flat[root+".Information.Image.ObjectiveSettings.ObjectiveRef"]; ok {
		magPath := root + ".Information.Instrument.Objectives." + strings.TrimSpace(ref) + ".NominalMagnification"
		if mag, ok := flat[magPath]; ok {
			c.Properties["openslide.objective-power"] = strings.TrimSpace(mag)
		}
	}

	return nil
}

func requiredInt(flat map[string]string, path string) (int, error) {
	v, ok := flat[path]
	if !ok {
		return 0, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("missing required metadata field %s", path)}
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("%s is not an integer: %v", path, err)}
	}
	return n, nil
}

// ReadScenesSetProp computes each scene's level-0 bounding box and the
// retained max_downsample, per spec.md §4.5 step 4.
func (c *Czi) ReadScenesSetProp() error {
	if c.NScene <= 0 {
		return &wsierr.Internal{Kind: wsierr.SceneMissing, Detail: "nscene is zero after metadata parse"}
	}

	type bbox struct {
		minX, minY, maxX, maxY int64
		have                   bool
		maxDownsample          int64
	}
	scenes := make([]bbox, c.NScene)

	for _, sb := range c.Subblks {
		if int(sb.Scene) < 0 || int(sb.Scene) >= int(c.NScene) {
			return &wsierr.Data{Kind: wsierr.DimensionOutOfRange, Detail: fmt.Sprintf("subblock scene %d out of range", sb.Scene)}
		}
		s := &scenes[sb.Scene]
		if sb.DownsampleI > s.maxDownsample {
			s.maxDownsample = sb.DownsampleI
		}
		if sb.DownsampleI != 1 {
			continue
		}
		x0, y0 := int64(sb.X), int64(sb.Y)
		x1, y1 := x0+int64(sb.W), y0+int64(sb.H)
		if !s.have {
			s.minX, s.minY, s.maxX, s.maxY = x0, y0, x1, y1
			s.have = true
			continue
		}
		if x0 < s.minX {
			s.minX = x0
		}
		if y0 < s.minY {
			s.minY = y0
		}
		if x1 > s.maxX {
			s.maxX = x1
		}
		if y1 > s.maxY {
			s.maxY = y1
		}
	}

	maxDownsample := scenes[0].maxDownsample
	for i, s := range scenes {
		c.Properties[fmt.Sprintf("openslide.region[%d].x", i)] = strconv.FormatInt(s.minX, 10)
		c.Properties[fmt.Sprintf("openslide.region[%d].y", i)] = strconv.FormatInt(s.minY, 10)
		c.Properties[fmt.Sprintf("openslide.region[%d].width", i)] = strconv.FormatInt(s.maxX-s.minX, 10)
		c.Properties[fmt.Sprintf("openslide.region[%d].height", i)] = strconv.FormatInt(s.maxY-s.minY, 10)
		if s.maxDownsample < maxDownsample {
			maxDownsample = s.maxDownsample
		}
	}
	c.MaxDownsample = maxDownsample
	return nil
}

// CreateLevels builds one Range grid per distinct downsample_i <=
// max_downsample, validates each qualifying subblock's codec parameters,
// and sorts the result by ascending downsample, per spec.md §4.5 step 5.
func (c *Czi) CreateLevels() error {
	type building struct {
		downsample     int64
		typicalTileDim int64
		grid           *grid.Grid
		level          *Level
	}
	byDownsample := make(map[int64]*building)
	var order []int64

	for i := range c.Subblks {
		sb := &c.Subblks[i]
		if sb.DownsampleI > c.MaxDownsample {
			continue
		}
		if !isPowerOfTwo(sb.DownsampleI) {
			return &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("downsample_i %d is not a power of two", sb.DownsampleI)}
		}
		if err := validateCodecParams(sb.Compression, sb.PixelType); err != nil {
			return err
		}

		b, ok := byDownsample[sb.DownsampleI]
		if !ok {
			typical := int64(sb.W)
			if int64(sb.H) > typical {
				typical = int64(sb.H)
			}
			b = &building{downsample: sb.DownsampleI, typicalTileDim: typical}
			byDownsample[sb.DownsampleI] = b
			order = append(order, sb.DownsampleI)
		} else if int64(sb.W) > b.typicalTileDim {
			b.typicalTileDim = int64(sb.W)
		} else if int64(sb.H) > b.typicalTileDim {
			b.typicalTileDim = int64(sb.H)
		}
	}

	for _, d := range order {
		b := byDownsample[d]
		b.grid = grid.NewRange(b.typicalTileDim)
	}

	for i := range c.Subblks {
		sb := &c.Subblks[i]
		if sb.DownsampleI > c.MaxDownsample {
			continue
		}
		b := byDownsample[sb.DownsampleI]
		b.grid.AddRangeTile(int64(sb.X)/sb.DownsampleI, int64(sb.Y)/sb.DownsampleI, int32(sb.W), int32(sb.H), sb.Z, sb)
	}

	// Sort distinct downsamples ascending.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}

	c.Levels = make([]*Level, 0, len(order))
	for _, d := range order {
		b := byDownsample[d]
		b.grid.FinishAddingTiles()
		_, _, w, h := b.grid.GetBounds()
		lvl := &Level{
			Downsample: d,
			Width:      w,
			Height:     h,
			TileW:      int32(b.typicalTileDim),
			TileH:      int32(b.typicalTileDim),
			Grid:       b.grid,
			Cache:      tilecache.New(tilecache.DefaultSize(int(b.typicalTileDim), int(b.typicalTileDim))),
		}
		c.Levels = append(c.Levels, lvl)
	}
	return nil
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

func validateCodecParams(c codec.Compression, p codec.PixelType) error {
	switch p {
	case codec.PixelTypeBGR24, codec.PixelTypeBGR48:
	default:
		return &wsierr.Data{Kind: wsierr.UnsupportedFormat, Detail: fmt.Sprintf("unsupported pixel type %s", p)}
	}
	switch c {
	case codec.CompressionNone, codec.CompressionZstd0, codec.CompressionZstd1:
		return nil
	default:
		return &wsierr.Data{Kind: wsierr.UnsupportedFormat, Detail: fmt.Sprintf("unsupported compression %s", c)}
	}
}

// ReadPixels performs the per-tile pixel read from spec.md §4.5's "Per-tile
// pixel read": seeks to the subblock's segment header, verifies sid,
// reads meta_size/data_size, skips the metadata, reads data_size bytes,
// and dispatches to the codec façade.
func (c *Czi) ReadPixels(f *ioadapter.File, sb *Subblock) ([]byte, error) {
	base := c.ZisrawOffset + sb.FilePos
	hdr := make([]byte, 288)
	if err := f.ReadExactAt(hdr, base); err != nil {
		return nil, wsierr.Wrap("reading subblock header", err)
	}
	sid := trimSID(hdr[0:16])
	if sid != sidSubblock {
		return nil, &wsierr.Data{Kind: wsierr.MissingMagic, Detail: fmt.Sprintf("expected ZISRAWSUBBLOCK, found %q", sid)}
	}
	// SubBlockSegment layout after the 32-byte generic header:
	// metadata_size (u32), attachment_size (u32), data_size (u64), then
	// an embedded DirectoryEntryDV copy padded out to the fixed 288-byte
	// total header size.
	metaSize := le32(hdr[32:36])
	dataSize := int64(le64(hdr[40:48]))

	// Open question (resolved, spec.md §9): skip the metadata bytes but
	// bounds-validate 288 + meta_size + data_size against the file size.
	fileSize, err := f.Size()
	if err != nil {
		return nil, err
	}
	if base+288+int64(metaSize)+dataSize > fileSize {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "subblock header + meta + data exceeds file size"}
	}

	pixelDataPos := base + 288 + int64(metaSize)
	buf := make([]byte, dataSize)
	if err := f.ReadExactAt(buf, pixelDataPos); err != nil {
		return nil, wsierr.Wrap("reading subblock pixel data", err)
	}

	argbBuf, err := codec.Decode(codec.DecodeParams{
		Compression: sb.Compression,
		PixelType:   sb.PixelType,
		Src:         buf,
		ExpectedW:   int(sb.W),
		ExpectedH:   int(sb.H),
	})
	if err != nil {
		return nil, wsierr.Wrap("decoding subblock pixel data", err)
	}

	out := make([]byte, len(argbBuf.Pix)*4)
	for i, px := range argbBuf.Pix {
		out[4*i+0] = byte(px)
		out[4*i+1] = byte(px >> 8)
		out[4*i+2] = byte(px >> 16)
		out[4*i+3] = byte(px >> 24)
	}
	return out, nil
}

// FeedHash feeds primary_file_guid, then file_guid, then the full
// metadata XML bytes into acc, in that exact order, per spec.md §4.5
// step 7 / §4.8.
func (c *Czi) FeedHash(acc *hashAccumulator) {
	acc.updateBytes(c.PrimaryFileGUID[:])
	acc.updateBytes(c.FileGUID[:])
	acc.updateBytes(c.MetaXML)
}
