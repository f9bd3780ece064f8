package flashstore

import (
	"errors"
	"testing"

	"github.com/tonieflash/flash-console/internal/models"
)

func TestInputIsSetOnce(t *testing.T) {
	s := New()
	first := models.NewFlashImage([]byte{1}, models.ProvenanceRawRead)

	if err := s.SetInput(first, nil); err != nil {
		t.Fatalf("first set: %v", err)
	}
	err := s.SetInput(models.NewFlashImage([]byte{2}, models.ProvenanceRawRead), nil)
	if !errors.Is(err, ErrInputExists) {
		t.Fatalf("second set: got %v, want ErrInputExists", err)
	}
	if s.Input() != first {
		t.Error("input replaced")
	}

	s.Reset()
	if s.Input() != nil || s.Output() != nil || s.Reference() != "" || s.Source() != nil {
		t.Error("reset left state behind")
	}
	if err := s.SetInput(first, nil); err != nil {
		t.Errorf("set after reset: %v", err)
	}
}

func TestSourceIsSnapshot(t *testing.T) {
	s := New()
	session := &models.DeviceSession{MACAddress: "AA:BB:CC:DD:EE:FF", FlashSizeKiB: 8192}
	s.SetInput(models.NewFlashImage([]byte{1}, models.ProvenanceRawRead), session)

	session.MACAddress = "changed"
	if got := s.Source().MACAddress; got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("source MAC = %q", got)
	}
}

func TestExport(t *testing.T) {
	s := New()

	if _, err := s.Export(SlotRaw); !errors.Is(err, ErrNoImage) {
		t.Fatalf("empty export: got %v", err)
	}

	session := &models.DeviceSession{MACAddress: "AA:BB:CC:DD:EE:FF"}
	s.SetInput(models.NewFlashImage([]byte{1}, models.ProvenanceRawRead), session)
	s.SetOutput(models.NewFlashImage([]byte{2}, models.ProvenancePatched))

	tests := []struct {
		slot Slot
		want string
	}{
		{SlotRaw, "ESP32_AABBCCDDEEFF.bin"},
		{SlotPatched, "ESP32_AABBCCDDEEFF_patched.bin"},
	}
	for _, tt := range tests {
		exp, err := s.Export(tt.slot)
		if err != nil {
			t.Fatalf("export %s: %v", tt.slot, err)
		}
		if exp.Filename != tt.want {
			t.Errorf("filename = %q, want %q", exp.Filename, tt.want)
		}
	}

	if _, err := s.Export("other"); err == nil {
		t.Error("unknown slot accepted")
	}
}

func TestExportLoadedFile(t *testing.T) {
	s := New()
	s.SetInput(models.NewFlashImage([]byte{1}, models.ProvenanceLoadedFromFile), nil)
	if got := s.RawFilename(); got != "ESP32_IMAGE.bin" {
		t.Errorf("filename = %q", got)
	}
}

func TestSummary(t *testing.T) {
	s := New()
	s.SetInput(models.NewFlashImage([]byte{1, 2}, models.ProvenanceRawRead), &models.DeviceSession{MACAddress: "AA:BB:CC:DD:EE:FF"})
	s.SetReference("ref.bin")

	sum := s.Summary()
	if sum.Input == nil || sum.Input.Size != 2 || sum.Input.Reference != "ref.bin" {
		t.Errorf("input summary = %+v", sum.Input)
	}
	if sum.Output != nil {
		t.Error("unexpected output")
	}
	if sum.Source == nil || sum.Source.MACAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("source = %+v", sum.Source)
	}
}

func TestParseSlot(t *testing.T) {
	if s, err := ParseSlot("patched"); err != nil || s != SlotPatched {
		t.Errorf("ParseSlot(patched) = %q, %v", s, err)
	}
	if _, err := ParseSlot("firmware"); err == nil {
		t.Error("ParseSlot accepted unknown slot")
	}
}
