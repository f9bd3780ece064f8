// Package flashstore holds the flash images and device identity of one flashing session.
package flashstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tonieflash/flash-console/internal/models"
)

var (
	ErrNoImage     = errors.New("no image available")
	ErrInputExists = errors.New("input image already acquired for this session")
)

// Slot names one of the two images of a session.
type Slot string

const (
	SlotRaw     Slot = "raw"
	SlotPatched Slot = "patched"
)

// ParseSlot maps a URL segment to a Slot.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotRaw, SlotPatched:
		return Slot(s), nil
	default:
		return "", fmt.Errorf("unknown image slot %q", s)
	}
}

// Export is a downloadable copy of an image.
type Export struct {
	Filename string
	Image    *models.FlashImage
}

// Summary is the JSON view of the store.
type Summary struct {
	Source    *models.DeviceSession `json:"source,omitempty"`
	Input     *models.ImageInfo     `json:"input,omitempty"`
	Output    *models.ImageInfo     `json:"output,omitempty"`
	Reference string                `json:"reference,omitempty"`
}

// Store holds at most one input and one output image plus the identity of the
// device the input was read from. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	source    *models.DeviceSession
	input     *models.FlashImage
	output    *models.FlashImage
	reference string
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// SetInput stores the acquired image. source is nil for images loaded from a file.
func (s *Store) SetInput(image *models.FlashImage, source *models.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		return ErrInputExists
	}
	s.input = image
	if source != nil {
		snap := *source
		s.source = &snap
	}
	return nil
}

// Input returns the acquired image or nil.
func (s *Store) Input() *models.FlashImage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// SetOutput replaces the image to be written.
func (s *Store) SetOutput(image *models.FlashImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = image
}

// Output returns the image to be written or nil.
func (s *Store) Output() *models.FlashImage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.output
}

// Source returns a copy of the identity of the device the input came from.
func (s *Store) Source() *models.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return nil
	}
	snap := *s.source
	return &snap
}

// SetReference records the backend reference of the uploaded input.
func (s *Store) SetReference(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reference = ref
}

// Reference returns the backend reference or "".
func (s *Store) Reference() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reference
}

// Reset drops every image and the identity snapshot.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
	s.input = nil
	s.output = nil
	s.reference = ""
}

// Export returns the image in slot with its download filename.
func (s *Store) Export(slot Slot) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var image *models.FlashImage
	switch slot {
	case SlotRaw:
		image = s.input
	case SlotPatched:
		image = s.output
	default:
		return nil, fmt.Errorf("unknown image slot %q", slot)
	}
	if image == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, slot)
	}

	return &Export{Filename: s.filename(slot), Image: image}, nil
}

// RawFilename is the name the input is uploaded and downloaded under.
func (s *Store) RawFilename() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filename(SlotRaw)
}

func (s *Store) filename(slot Slot) string {
	name := "ESP32_IMAGE"
	if s.source != nil && s.source.MACAddress != "" {
		name = "ESP32_" + models.CompactMAC(s.source.MACAddress)
	}
	if slot == SlotPatched {
		name += "_patched"
	}
	return name + ".bin"
}

// Summary describes the store for snapshots.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{Reference: s.reference}
	if s.source != nil {
		snap := *s.source
		sum.Source = &snap
	}
	if s.input != nil {
		info := s.input.Info()
		info.Reference = s.reference
		sum.Input = &info
	}
	if s.output != nil {
		info := s.output.Info()
		sum.Output = &info
	}
	return sum
}
