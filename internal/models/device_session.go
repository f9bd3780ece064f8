package models

import (
	"fmt"
	"strings"
)

// MaxFlashSizeKiB is the largest flash a supported box can carry (16 MiB).
const MaxFlashSizeKiB = 16384

// DeviceSession is the identity and capability snapshot of the attached device.
// It lives for one open serial connection.
type DeviceSession struct {
	ChipDescription     string `json:"chipDescription"`
	MACAddress          string `json:"macAddress"`
	FlashManufacturerID uint8  `json:"flashManufacturerId"`
	FlashDeviceID       uint8  `json:"flashDeviceId"`
	FlashSizeKiB        uint32 `json:"flashSizeKiB"`
}

// IdentificationError reports a device that answered the handshake but cannot be used.
type IdentificationError struct {
	Reason       string
	FlashSizeKiB uint32
}

func (e *IdentificationError) Error() string {
	return fmt.Sprintf("identification failed: %s", e.Reason)
}

// Validate enforces 0 < FlashSizeKiB <= MaxFlashSizeKiB.
func (s *DeviceSession) Validate() error {
	if s.FlashSizeKiB == 0 || s.FlashSizeKiB > MaxFlashSizeKiB {
		return &IdentificationError{
			Reason:       fmt.Sprintf("unsupported flash size %d KiB", s.FlashSizeKiB),
			FlashSizeKiB: s.FlashSizeKiB,
		}
	}
	return nil
}

// FlashSizeBytes returns the flash size in bytes.
func (s *DeviceSession) FlashSizeBytes() int {
	return int(s.FlashSizeKiB) * 1024
}

// FlashID returns the JEDEC manufacturer/device pair as shown in the UI, e.g. "c8/40".
func (s *DeviceSession) FlashID() string {
	return fmt.Sprintf("%02x/%02x", s.FlashManufacturerID, s.FlashDeviceID)
}

// FormatMAC renders six bytes as canonical upper-case colon-separated hex.
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// CompactMAC strips separators, used for file names ("AABBCCDDEEFF").
func CompactMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
}
