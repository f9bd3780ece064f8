package models

import (
	"bytes"
	"io"
	"time"

	"github.com/tonieflash/flash-console/pkg/crypto"
)

// Provenance tags where a flash image came from.
type Provenance string

const (
	ProvenanceRawRead        Provenance = "RAW_READ"
	ProvenanceLoadedFromFile Provenance = "LOADED_FROM_FILE"
	ProvenancePatched        Provenance = "PATCHED"
)

// FlashImage is an immutable flash buffer. The constructor copies its input
// and no method hands out the backing array.
type FlashImage struct {
	data       []byte
	provenance Provenance
	createdAt  time.Time
	sum        string
}

// NewFlashImage copies data into a new image tagged with p.
func NewFlashImage(data []byte, p Provenance) *FlashImage {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &FlashImage{
		data:       buf,
		provenance: p,
		createdAt:  time.Now(),
		sum:        crypto.ImageDigest(buf),
	}
}

// Provenance returns the image's origin tag.
func (i *FlashImage) Provenance() Provenance { return i.provenance }

// Len returns the image size in bytes.
func (i *FlashImage) Len() int { return len(i.data) }

// CreatedAt returns when the image was produced.
func (i *FlashImage) CreatedAt() time.Time { return i.createdAt }

// SHA256 returns the hex digest of the image.
func (i *FlashImage) SHA256() string { return i.sum }

// Chunk returns a copy of up to n bytes starting at off.
func (i *FlashImage) Chunk(off, n int) []byte {
	if off >= len(i.data) {
		return nil
	}
	end := off + n
	if end > len(i.data) {
		end = len(i.data)
	}
	out := make([]byte, end-off)
	copy(out, i.data[off:end])
	return out
}

// Bytes returns a copy of the whole image.
func (i *FlashImage) Bytes() []byte {
	return i.Chunk(0, len(i.data))
}

// Reader returns a read-only view of the image.
func (i *FlashImage) Reader() io.Reader {
	return bytes.NewReader(i.data)
}

// Retag returns an image sharing the same bytes under another provenance.
// Used by the reset flow, where a loaded stock image stands in for the patched one.
func (i *FlashImage) Retag(p Provenance) *FlashImage {
	return &FlashImage{
		data:       i.data,
		provenance: p,
		createdAt:  i.createdAt,
		sum:        i.sum,
	}
}

// ImageInfo is the JSON-facing summary of a flash image.
type ImageInfo struct {
	Provenance Provenance `json:"provenance"`
	Size       int        `json:"size"`
	SHA256     string     `json:"sha256"`
	Reference  string     `json:"reference,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Info summarizes the image.
func (i *FlashImage) Info() ImageInfo {
	return ImageInfo{
		Provenance: i.provenance,
		Size:       len(i.data),
		SHA256:     i.sum,
		CreatedAt:  i.createdAt,
	}
}
