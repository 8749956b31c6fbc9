// Package codec implements the codec façade described in spec.md §4.2: a
// single decode entry point that maps a (compression, pixel_type) pair to
// a packing routine, treating every compression algorithm beyond raw
// copy as a black box delegated to a real decompression library.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/openslide/czi-core/internal/argb"
	"github.com/openslide/czi-core/internal/wsierr"
)

// Compression identifies a CZI subblock compression algorithm.
type Compression int32

const (
	CompressionNone  Compression = 0
	CompressionZstd0 Compression = 5
	CompressionZstd1 Compression = 6
	// Other CZI compressions exist (JPEG, LZW, JPEG-XR, HEVC, PNG, ...)
	// but are handled by separate codec modules out of scope here; the
	// façade rejects them with Data{UnsupportedFormat}.
	CompressionJPEG    Compression = 1
	CompressionLZW     Compression = 2
	CompressionJPEGXR  Compression = 4
	CompressionUnknown Compression = -1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionZstd0:
		return "ZSTD0"
	case CompressionZstd1:
		return "ZSTD1"
	case CompressionJPEG:
		return "JPEG"
	case CompressionLZW:
		return "LZW"
	case CompressionJPEGXR:
		return "JPEG-XR"
	default:
		return fmt.Sprintf("compression(%d)", int32(c))
	}
}

// PixelType identifies a CZI subblock sample layout.
type PixelType int32

const (
	PixelTypeBGR24 PixelType = 3
	PixelTypeBGR48 PixelType = 4
)

func (p PixelType) String() string {
	switch p {
	case PixelTypeBGR24:
		return "BGR24"
	case PixelTypeBGR48:
		return "BGR48"
	default:
		return fmt.Sprintf("pixel_type(%d)", int32(p))
	}
}

func (p PixelType) bytesPerPixel() int {
	switch p {
	case PixelTypeBGR24:
		return 3
	case PixelTypeBGR48:
		return 6
	default:
		return 0
	}
}

// DecodeParams is the single-entry-point input described in spec.md §4.2.
type DecodeParams struct {
	Compression Compression
	PixelType   PixelType
	Src         []byte
	ExpectedW   int
	ExpectedH   int
}

// Decode turns compressed subblock bytes into an ARGB32 buffer of exactly
// ExpectedW × ExpectedH pixels.
func Decode(p DecodeParams) (*argb.Buffer, error) {
	bpp := p.PixelType.bytesPerPixel()
	if bpp == 0 {
		return nil, &wsierr.Data{
			Kind:   wsierr.UnsupportedFormat,
			Detail: fmt.Sprintf("unsupported pixel type %s", p.PixelType),
		}
	}

	var pixelBytes []byte
	switch p.Compression {
	case CompressionNone:
		pixelBytes = p.Src
	case CompressionZstd0:
		raw, err := zstdDecompress(p.Src)
		if err != nil {
			return nil, wsierr.Wrap("decompressing ZSTD0 pixel data", err)
		}
		pixelBytes = raw
	case CompressionZstd1:
		raw, err := decodeZstd1(p.Src)
		if err != nil {
			return nil, wsierr.Wrap("decompressing ZSTD1 pixel data", err)
		}
		pixelBytes = raw
	default:
		return nil, &wsierr.Data{
			Kind:   wsierr.UnsupportedFormat,
			Detail: fmt.Sprintf("unsupported compression %s", p.Compression),
		}
	}

	want := p.ExpectedW * p.ExpectedH * bpp
	if len(pixelBytes) < want {
		return nil, &wsierr.Data{
			Kind:   wsierr.Malformed,
			Detail: fmt.Sprintf("decoded %d bytes, want at least %d for %dx%d %s", len(pixelBytes), want, p.ExpectedW, p.ExpectedH, p.PixelType),
		}
	}

	buf := argb.NewBuffer(p.ExpectedW, p.ExpectedH)
	pack := packerFor(p.PixelType)
	i := 0
	for y := 0; y < p.ExpectedH; y++ {
		for x := 0; x < p.ExpectedW; x++ {
			buf.Set(x, y, pack(pixelBytes[i:i+bpp]))
			i += bpp
		}
	}
	return buf, nil
}

func packerFor(pt PixelType) func([]byte) uint32 {
	switch pt {
	case PixelTypeBGR48:
		return argb.PackBGR48
	default:
		return argb.PackBGR24
	}
}

// zstdDecompress is the black-box decompression step; the façade never
// implements zstd itself (spec.md §1: "raster codec internals... treat
// each as a black box").
func zstdDecompress(src []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decodeZstd1 parses the CZI ZSTD v1 payload header (1 or 3 bytes), runs
// the bytes after the header through the same zstd black box, then applies
// the HiLo byte-plane unpack to the decompressed bytes when the header
// requests it.
func decodeZstd1(src []byte) ([]byte, error) {
	if len(src) < 1 {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "empty ZSTD1 payload"}
	}

	headerSize := int(src[0])
	hiLo := false
	switch headerSize {
	case 1:
		// No chunk follows the size byte itself; size byte value 1 means
		// a 1-byte header with no additional chunk metadata.
	case 3:
		if len(src) < 3 {
			return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "truncated ZSTD1 header"}
		}
		chunkType := src[1]
		flags := src[2]
		if chunkType == 1 && flags&1 != 0 {
			hiLo = true
		}
	default:
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("unsupported ZSTD1 header size %d", headerSize)}
	}

	if len(src) < headerSize {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "ZSTD1 payload shorter than declared header"}
	}
	compressed := src[headerSize:]

	raw, err := zstdDecompress(compressed)
	if err != nil {
		return nil, err
	}

	if hiLo {
		raw, err = unpackHiLo(raw)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// unpackHiLo reverses the CZI "hi/lo" byte-plane interleave: the first
// half of the buffer holds one byte-plane and the second half the other;
// the true pixel stream interleaves them byte by byte. Requires an even
// length, per spec.md §4.2.
func unpackHiLo(src []byte) ([]byte, error) {
	if len(src)%2 != 0 {
		return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: "HiLo unpack requires even pixel_bytes length"}
	}
	half := len(src) / 2
	lo := src[:half]
	hi := src[half:]
	out := make([]byte, len(src))
	for i := 0; i < half; i++ {
		out[2*i] = lo[i]
		out[2*i+1] = hi[i]
	}
	return out, nil
}
