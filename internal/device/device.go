// Package device is the programming client for the box's microcontroller.
//
// A Programmer opens one exclusive Conn per action; the Conn identifies the chip and
// reads or writes raw flash. Callers must Close the Conn at the end of the action.
package device

import (
	"context"
	"errors"
	"fmt"

	"go.bug.st/serial/enumerator"

	"github.com/tonieflash/flash-console/internal/models"
)

// Errors reported while opening or identifying a device.
var (
	ErrPortBusy        = errors.New("serial port is busy")
	ErrPortNotFound    = errors.New("serial port not found")
	ErrHandshakeFailed = errors.New("device handshake failed")
	ErrNoPort          = errors.New("no serial port selected")
	ErrNeedsStub       = errors.New("operation requires the flasher stub")
)

// WriteOptions controls a flash write.
type WriteOptions struct {
	// Keep the flash size/mode/frequency already encoded on the device.
	KeepSize bool
	KeepMode bool
	KeepFreq bool

	// Compress the transfer stream.
	Compress bool
}

// KeepAll returns options preserving every header setting.
func KeepAll(compress bool) WriteOptions {
	return WriteOptions{KeepSize: true, KeepMode: true, KeepFreq: true, Compress: compress}
}

// Programmer opens connections to the attached device.
type Programmer interface {
	Open(ctx context.Context) (Conn, error)
}

// Conn is an open, exclusively owned connection to a device in download mode.
type Conn interface {
	// Identify performs chip identification and returns the device session.
	Identify(ctx context.Context) (*models.DeviceSession, error)

	// ReadFlash reads length bytes at offset.
	ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error)

	// WriteFlash writes data at offset.
	WriteFlash(ctx context.Context, offset uint32, data []byte, opts WriteOptions) error

	// SupportsCompression reports whether WriteFlash accepts Compress.
	SupportsCompression() bool

	Close() error
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
