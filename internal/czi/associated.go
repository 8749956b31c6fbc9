package czi

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // registers the JPEG format with image.DecodeConfig

	"github.com/openslide/czi-core/internal/ioadapter"
	"github.com/openslide/czi-core/internal/wsierr"
)

const attachmentEntrySize = 128

// attachmentSegmentDataOffset is sizeof(AttachmentSegmentHeader) from
// spec.md §4.5 step 6: the fixed prefix between an attachment segment's
// 32-byte generic header and its payload bytes.
const attachmentSegmentDataOffset = segmentHeaderSize + 224

type attachmentEntry struct {
	filePos     int64
	contentGUID [16]byte
	fileType    string
	name        string
}

// readAttachmentDirectory reads the ZISRAWATTDIR segment: a 32-byte
// generic header, a 4-byte entry count, 252 reserved bytes, then (256
// bytes into the segment data) entryCount fixed-size AttachmentEntryA1
// records.
func readAttachmentDirectory(f *ioadapter.File, zisrawOffset, attDirPos int64) ([]attachmentEntry, error) {
	base := zisrawOffset + attDirPos
	if _, err := readSegmentHeader(f, base, sidAttachDir); err != nil {
		return nil, err
	}
	countBuf := make([]byte, 4)
	if err := f.ReadExactAt(countBuf, base+segmentHeaderSize); err != nil {
		return nil, wsierr.Wrap("reading attachment directory entry count", err)
	}
	entryCount := le32(countBuf)

	if _, err := f.Seek(base+segmentHeaderSize+256, 0); err != nil {
		return nil, wsierr.Wrap("seeking to attachment directory entries", err)
	}

	entries := make([]attachmentEntry, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		raw := make([]byte, attachmentEntrySize)
		if err := f.ReadNextAt(raw); err != nil {
			return nil, wsierr.Wrap("reading attachment directory entry", err)
		}
		entries = append(entries, attachmentEntry{
			filePos:     int64(le64(raw[12:20])),
			contentGUID: [16]byte(raw[24:40]),
			fileType:    trimFixedASCII(raw[40:48]),
			name:        trimFixedASCII(raw[48:128]),
		})
	}
	return entries, nil
}

// trimFixedASCII treats b as an exactly-declared-width ASCII field, not
// null-terminated past the field end, per spec.md §6: trailing NUL
// padding is trimmed; spaces, and any NUL that is followed by non-NUL
// content, are kept.
func trimFixedASCII(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// jpgPayload backs a JPG associated image. Only the JPEG header is read
// (at open, to learn the image's dimensions); decode does not decode JPEG
// pixel data and always returns a Data{UnsupportedFormat} error.
type jpgPayload struct {
	dataOffset int64
}

func (p *jpgPayload) decode() ([]byte, error) {
	return nil, &wsierr.Data{Kind: wsierr.UnsupportedFormat, Detail: "JPEG associated-image decode is out of scope for this codec façade"}
}

// embeddedCZIPayload decodes a CZI-backed associated image: the
// attachment's payload is itself a complete ZISRAWFILE container with
// exactly one subblock, per spec.md §4.5 step 6.
type embeddedCZIPayload struct {
	f  *ioadapter.File
	sb *Subblock
	c  *Czi
}

func (p *embeddedCZIPayload) decode() ([]byte, error) {
	return p.c.ReadPixels(p.f, p.sb)
}

// AddAssociatedImages walks the attachment directory and populates
// associated_images for every attachment named Label/SlidePreview/
// Thumbnail, per spec.md §4.5 step 6.
func (c *Czi) AddAssociatedImages(f *ioadapter.File) (map[string]*AssociatedImage, error) {
	images := make(map[string]*AssociatedImage)
	if c.AttDirPos == 0 {
		return images, nil
	}

	entries, err := readAttachmentDirectory(f, c.ZisrawOffset, c.AttDirPos)
	if err != nil {
		return nil, err
	}

	nameFor := map[string]string{
		"Label":        "label",
		"SlidePreview": "macro",
		"Thumbnail":    "thumbnail",
	}

	for _, e := range entries {
		key, ok := nameFor[e.name]
		if !ok {
			continue
		}
		base := c.ZisrawOffset + e.filePos
		switch e.fileType {
		case "JPG":
			dataOffset := base + attachmentSegmentDataOffset
			cfg, _, err := decodeJPEGConfigAt(f, dataOffset)
			if err != nil {
				return nil, wsierr.Wrap(fmt.Sprintf("reading attachment %q JPEG header", e.name), err)
			}
			images[key] = &AssociatedImage{
				Width:  int32(cfg.Width),
				Height: int32(cfg.Height),
				payload: &jpgPayload{
					dataOffset: dataOffset,
				},
			}
		case "CZI":
			embedded, err := CreateCZI(f, base+attachmentSegmentDataOffset)
			if err != nil {
				return nil, wsierr.Wrap(fmt.Sprintf("parsing embedded CZI attachment %q", e.name), err)
			}
			if len(embedded.Subblks) != 1 {
				return nil, &wsierr.Data{Kind: wsierr.Malformed, Detail: fmt.Sprintf("embedded CZI attachment %q has %d subblocks, want exactly 1", e.name, len(embedded.Subblks))}
			}
			sb := &embedded.Subblks[0]
			images[key] = &AssociatedImage{
				Width:   int32(sb.W),
				Height:  int32(sb.H),
				payload: &embeddedCZIPayload{f: f, sb: sb, c: embedded},
			}
		default:
			return nil, &wsierr.Data{Kind: wsierr.UnsupportedFormat, Detail: fmt.Sprintf("associated image %q has unknown file_type %q", e.name, e.fileType)}
		}
	}
	return images, nil
}

// decodeJPEGConfigAt reads just enough of the JPEG stream at offset to
// learn its pixel dimensions, without decoding pixel data.
func decodeJPEGConfigAt(f *ioadapter.File, offset int64) (image.Config, string, error) {
	// A generous header read window; JFIF/EXIF headers plus the SOF0
	// marker comfortably fit well within this.
	const headerWindow = 64 * 1024
	size, err := f.Size()
	if err != nil {
		return image.Config{}, "", err
	}
	n := int64(headerWindow)
	if offset+n > size {
		n = size - offset
	}
	buf := make([]byte, n)
	if err := f.ReadExactAt(buf, offset); err != nil {
		return image.Config{}, "", err
	}
	return image.DecodeConfig(bytes.NewReader(buf))
}

// GetARGB returns this associated image's pixels as a new 4*w*h byte
// slice of premultiplied ARGB32, 4 bytes per pixel in B,G,R,A order.
func (img *AssociatedImage) GetARGB() ([]byte, error) {
	return img.payload.decode()
}
