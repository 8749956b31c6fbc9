// Package czi implements the Zeiss CZI container parser described in
// spec.md §4.5: segment walking, the variable-length subblock directory,
// metadata XML extraction, scene/level derivation, and associated-image
// enumeration including recursion into embedded CZI sub-containers.
//
// The segment/directory-entry reading style (fixed-size header, then a
// variable count of fixed-size trailing records) is adapted from the
// teacher's TIFF IFD/tag-entry reader in ifd.go, generalized from 12- or
// 20-byte TIFF tag records to CZI's 20-byte DimensionEntryDV records.
package czi

import (
	"fmt"
	"math"

	"github.com/openslide/czi-core/internal/ioadapter"
	"github.com/openslide/czi-core/internal/wsierr"
)

// segmentHeaderSize is the 32-byte generic header every CZI segment
// begins with, per spec.md §4.5.
const segmentHeaderSize = 32

// sid values identify a segment's kind. Stored null-terminated inside the
// fixed 16-byte field; comparisons are against the trimmed string.
const (
	sidFile       = "ZISRAWFILE"
	sidDirectory  = "ZISRAWDIRECTORY"
	sidMetadata   = "ZISRAWMETADATA"
	sidSubblock   = "ZISRAWSUBBLOCK"
	sidAttach     = "ZISRAWATTACH"
	sidAttachDir  = "ZISRAWATTDIR"
)

// segmentHeader is the 32-byte prefix shared by every segment.
type segmentHeader struct {
	sid           string
	allocatedSize int64
	usedSize      int64
}

// readSegmentHeader reads the 32-byte generic header at offset and
// verifies its sid matches want (if want is non-empty).
func readSegmentHeader(f *ioadapter.File, offset int64, want string) (segmentHeader, error) {
	buf := make([]byte, segmentHeaderSize)
	if err := f.ReadExactAt(buf, offset); err != nil {
		return segmentHeader{}, wsierr.Wrap(fmt.Sprintf("reading segment header at %d", offset), err)
	}
	hdr := segmentHeader{
		sid:           trimSID(buf[0:16]),
		allocatedSize: int64(le64(buf[16:24])),
		usedSize:      int64(le64(buf[24:32])),
	}
	if want != "" && hdr.sid != want {
		return segmentHeader{}, &wsierr.Data{
			Kind:   wsierr.MissingMagic,
			Detail: fmt.Sprintf("expected segment %q at offset %d, found %q", want, offset, hdr.sid),
		}
	}
	return hdr, nil
}

func trimSID(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func leFloat32(b []byte) float32 {
	return math.Float32frombits(le32(b))
}
