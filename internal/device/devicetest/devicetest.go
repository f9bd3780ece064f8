// Package devicetest provides in-memory device.Programmer and device.Conn fakes.
package devicetest

import (
	"context"
	"errors"
	"sync"

	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/models"
)

// ErrIO is returned by scripted chunk failures.
var ErrIO = errors.New("simulated I/O error")

// WriteCall records one WriteFlash invocation.
type WriteCall struct {
	Offset uint32
	Len    int
	Opts   device.WriteOptions
}

// Conn is a scriptable device connection backed by a byte slice.
type Conn struct {
	mu sync.Mutex

	Session     models.DeviceSession
	IdentifyErr error
	// ReadErr, when set, fails every ReadFlash call.
	ReadErr     error
	Flash       []byte
	Compression bool

	// FailReadAt and FailWriteAt fail the n-th call (1-based); 0 never fails.
	FailReadAt  int
	FailWriteAt int

	// Gate, when set, blocks every chunk until a value is received or ctx ends.
	Gate chan struct{}

	ReadCalls  int
	WriteCalls int
	Writes     []WriteCall
	Closed     bool
}

// NewConn returns a connection for a device with the given MAC and flash size.
func NewConn(mac string, flashKiB uint32) *Conn {
	return &Conn{
		Session: models.DeviceSession{
			ChipDescription:     "ESP32-S3",
			MACAddress:          mac,
			FlashManufacturerID: 0xC8,
			FlashDeviceID:       0x40,
			FlashSizeKiB:        flashKiB,
		},
		Flash:       make([]byte, int(flashKiB)*1024),
		Compression: true,
	}
}

func (c *Conn) wait(ctx context.Context) error {
	if c.Gate == nil {
		return nil
	}
	select {
	case <-c.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Identify(ctx context.Context) (*models.DeviceSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IdentifyErr != nil {
		return nil, c.IdentifyErr
	}
	s := c.Session
	return &s, nil
}

func (c *Conn) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ReadCalls++
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	if c.FailReadAt == c.ReadCalls {
		return nil, ErrIO
	}
	end := int(offset) + int(length)
	if end > len(c.Flash) {
		end = len(c.Flash)
	}
	out := make([]byte, end-int(offset))
	copy(out, c.Flash[offset:end])
	return out, nil
}

func (c *Conn) WriteFlash(ctx context.Context, offset uint32, data []byte, opts device.WriteOptions) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.WriteCalls++
	if c.FailWriteAt == c.WriteCalls {
		return ErrIO
	}
	if int(offset)+len(data) > len(c.Flash) {
		return errors.New("write past end of flash")
	}
	copy(c.Flash[offset:], data)
	c.Writes = append(c.Writes, WriteCall{Offset: offset, Len: len(data), Opts: opts})
	return nil
}

func (c *Conn) SupportsCompression() bool {
	return c.Compression
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// IsClosed reports whether Close was called since the last Open.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// Programmer hands out Conn on every Open.
type Programmer struct {
	mu      sync.Mutex
	Conn    *Conn
	OpenErr error
	Opens   int
}

// NewProgrammer returns a programmer serving conn.
func NewProgrammer(conn *Conn) *Programmer {
	return &Programmer{Conn: conn}
}

func (p *Programmer) Open(ctx context.Context) (device.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Opens++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	p.Conn.mu.Lock()
	p.Conn.Closed = false
	p.Conn.ReadCalls = 0
	p.Conn.WriteCalls = 0
	p.Conn.mu.Unlock()
	return p.Conn, nil
}

// Attach swaps the connected device.
func (p *Programmer) Attach(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Conn = conn
}

// OpenCount returns how many times Open was called.
func (p *Programmer) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Opens
}
