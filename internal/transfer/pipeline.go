// Package transfer moves whole flash images between a device connection and memory
// in bounded chunks, reporting a single aggregated percentage.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/models"
)

// Direction of a transfer.
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

var (
	ErrNoSession      = errors.New("no device session")
	ErrEmptyImage     = errors.New("flash image is empty")
	ErrImageTooLarge  = errors.New("flash image is larger than the device flash")
	errShortFlashRead = errors.New("short read")
)

// TransferError reports a chunk that failed mid-transfer. Data transferred before
// the failure is discarded.
type TransferError struct {
	Direction Direction
	Offset    int
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("flash %s failed at offset 0x%06X: %v", e.Direction, e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ProgressFunc receives a percentage in [0,100].
type ProgressFunc func(percent int)

// Pipeline streams flash images through a device.Conn.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline.
func New(opts ...Option) *Pipeline {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ReadAll reads the whole flash described by session and returns it tagged RawRead.
func (p *Pipeline) ReadAll(ctx context.Context, conn device.Conn, session *models.DeviceSession, onProgress ProgressFunc) (*models.FlashImage, error) {
	if session == nil {
		return nil, ErrNoSession
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	total := session.FlashSizeBytes()
	buf := make([]byte, 0, total)
	progress := newProgress(total, onProgress)

	for offset := 0; offset < total; {
		if err := ctx.Err(); err != nil {
			return nil, &TransferError{Direction: DirectionRead, Offset: offset, Err: err}
		}

		n := p.cfg.ReadChunkSize
		if offset+n > total {
			n = total - offset
		}

		chunk, err := conn.ReadFlash(ctx, uint32(offset), uint32(n))
		if err != nil {
			return nil, &TransferError{Direction: DirectionRead, Offset: offset, Err: err}
		}
		if len(chunk) != n {
			return nil, &TransferError{
				Direction: DirectionRead,
				Offset:    offset,
				Err:       fmt.Errorf("%w: got %d of %d bytes", errShortFlashRead, len(chunk), n),
			}
		}

		buf = append(buf, chunk...)
		offset += n
		progress.advance(n)

		log.Debug().
			Int("offset", offset-n).
			Int("bytes", n).
			Int("percent", progress.last).
			Msg("Flash chunk read")
	}

	return models.NewFlashImage(buf, models.ProvenanceRawRead), nil
}

// WriteAll writes image from offset 0, keeping the flash size, mode and frequency
// configured on the device. The stream is compressed when the connection supports it.
func (p *Pipeline) WriteAll(ctx context.Context, conn device.Conn, session *models.DeviceSession, image *models.FlashImage, onProgress ProgressFunc) error {
	if session == nil {
		return ErrNoSession
	}
	if image == nil || image.Len() == 0 {
		return ErrEmptyImage
	}
	if image.Len() > session.FlashSizeBytes() {
		return fmt.Errorf("%w: %d > %d bytes", ErrImageTooLarge, image.Len(), session.FlashSizeBytes())
	}

	opts := device.KeepAll(conn.SupportsCompression())
	total := image.Len()
	progress := newProgress(total, onProgress)

	for offset := 0; offset < total; {
		if err := ctx.Err(); err != nil {
			return &TransferError{Direction: DirectionWrite, Offset: offset, Err: err}
		}

		chunk := image.Chunk(offset, p.cfg.WriteChunkSize)
		if err := conn.WriteFlash(ctx, uint32(offset), chunk, opts); err != nil {
			return &TransferError{Direction: DirectionWrite, Offset: offset, Err: err}
		}

		offset += len(chunk)
		progress.advance(len(chunk))

		log.Debug().
			Int("offset", offset-len(chunk)).
			Int("bytes", len(chunk)).
			Bool("compressed", opts.Compress).
			Int("percent", progress.last).
			Msg("Flash chunk written")
	}

	return nil
}

// Percent computes 100*done/total clamped to [0,100].
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(int64(done) * 100 / int64(total))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// progress emits one non-decreasing value per chunk.
type progress struct {
	total int
	done  int
	last  int
	fn    ProgressFunc
}

func newProgress(total int, fn ProgressFunc) *progress {
	return &progress{total: total, fn: fn}
}

func (p *progress) advance(n int) {
	p.done += n
	pct := Percent(p.done, p.total)
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	if p.fn != nil {
		p.fn(pct)
	}
}
