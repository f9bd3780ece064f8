package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/pkg/crypto"
)

// SerialConfig configures the serial programmer.
type SerialConfig struct {
	PortName     string
	BaudRate     int
	StubPath     string
	SyncAttempts int

	// CommandTimeout bounds a single request/response exchange.
	CommandTimeout time.Duration
}

// port is the subset of serial.Port the connection needs.
type port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type openFunc func(name string, mode *serial.Mode) (port, error)

// SerialProgrammer opens ESP32-S3 download-mode connections over a serial port.
type SerialProgrammer struct {
	mu   sync.Mutex
	cfg  SerialConfig
	stub *Stub
	open openFunc
}

// NewSerialProgrammer creates a programmer; the stub is loaded once when configured.
func NewSerialProgrammer(cfg SerialConfig) (*SerialProgrammer, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.SyncAttempts == 0 {
		cfg.SyncAttempts = 7
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 3 * time.Second
	}

	p := &SerialProgrammer{
		cfg: cfg,
		open: func(name string, mode *serial.Mode) (port, error) {
			return serial.Open(name, mode)
		},
	}

	if cfg.StubPath != "" {
		stub, err := LoadStub(cfg.StubPath)
		if err != nil {
			return nil, err
		}
		p.stub = stub
	}

	return p, nil
}

// SetPort selects the serial port used by the next Open.
func (p *SerialProgrammer) SetPort(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.PortName = name
}

// Port returns the selected serial port.
func (p *SerialProgrammer) Port() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.PortName
}

// Open opens the port, resets the chip into its boot ROM, syncs and, when configured, starts the stub.
func (p *SerialProgrammer) Open(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	cfg := p.cfg
	stub := p.stub
	p.mu.Unlock()

	if cfg.PortName == "" {
		return nil, ErrNoPort
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	sp, err := p.open(cfg.PortName, mode)
	if err != nil {
		return nil, mapOpenError(cfg.PortName, err)
	}

	c := &serialConn{
		port:      sp,
		name:      cfg.PortName,
		timeout:   cfg.CommandTimeout,
		statusLen: romStatusLen,
	}

	if err := c.connect(ctx, cfg.SyncAttempts); err != nil {
		sp.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if stub != nil {
		if err := c.runStub(ctx, stub); err != nil {
			sp.Close()
			return nil, fmt.Errorf("%w: start stub: %v", ErrHandshakeFailed, err)
		}
	}

	log.Debug().
		Str("port", cfg.PortName).
		Bool("stub", c.stubRunning).
		Msg("Device in download mode")

	return c, nil
}

// mapOpenError translates serial library errors into the package taxonomy.
func mapOpenError(name string, err error) error {
	var code serial.PortErrorCode = -1
	var pe *serial.PortError
	var pv serial.PortError
	switch {
	case errors.As(err, &pe):
		code = pe.Code()
	case errors.As(err, &pv):
		code = pv.Code()
	}

	switch code {
	case serial.PortBusy, serial.PermissionDenied:
		return fmt.Errorf("%w: %s: %v", ErrPortBusy, name, err)
	case serial.PortNotFound, serial.InvalidSerialPort:
		return fmt.Errorf("%w: %s: %v", ErrPortNotFound, name, err)
	default:
		return fmt.Errorf("open %s: %w", name, err)
	}
}

// serialConn is a Conn over an open serial port.
type serialConn struct {
	port        port
	name        string
	timeout     time.Duration
	statusLen   int
	stubRunning bool
	wrote       bool
	deflated    bool

	dec     slipDecoder
	pending []byte
}

// connect resets into the boot ROM and syncs, alternating reset and sync attempts.
func (c *serialConn) connect(ctx context.Context, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.resetIntoBootloader(); err != nil {
			lastErr = err
			continue
		}
		if err := c.sync(ctx); err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", i+1).Str("port", c.name).Msg("Sync failed, retrying")
			continue
		}
		return nil
	}
	return fmt.Errorf("no response after %d attempts: %v", attempts, lastErr)
}

// resetIntoBootloader pulls IO0 low across an EN pulse (classic DTR/RTS wiring).
func (c *serialConn) resetIntoBootloader() error {
	c.port.ResetInputBuffer()
	c.pending = nil
	c.dec = slipDecoder{}

	if err := c.port.SetDTR(false); err != nil {
		return err
	}
	if err := c.port.SetRTS(true); err != nil { // EN = LOW
		return err
	}
	time.Sleep(100 * time.Millisecond)

	c.port.SetDTR(true)  // IO0 = LOW
	c.port.SetRTS(false) // EN = HIGH
	time.Sleep(50 * time.Millisecond)

	c.port.SetDTR(false) // IO0 = HIGH
	time.Sleep(50 * time.Millisecond)
	return nil
}

// hardReset restarts the chip into its normal boot path.
func (c *serialConn) hardReset() {
	c.port.SetDTR(false)
	c.port.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	c.port.SetRTS(false)
}

func (c *serialConn) sync(ctx context.Context) error {
	var lastErr error
	for i := 0; i < 5; i++ {
		if _, err := c.command(ctx, cmdSync, syncPayload(), 0, 200*time.Millisecond); err != nil {
			lastErr = err
			continue
		}
		// The ROM answers SYNC several times; drain the extra replies.
		for j := 0; j < 7; j++ {
			if _, err := c.readFrame(ctx, 50*time.Millisecond); err != nil {
				break
			}
		}
		return nil
	}
	return lastErr
}

// runStub uploads the flasher stub to RAM, jumps to it and waits for its greeting.
func (c *serialConn) runStub(ctx context.Context, stub *Stub) error {
	for _, seg := range stub.segments() {
		blocks := blockCount(len(seg.data), memBlockSize)
		if _, err := c.command(ctx, cmdMemBegin, u32s(uint32(len(seg.data)), blocks, memBlockSize, seg.addr), 0, c.timeout); err != nil {
			return fmt.Errorf("mem begin 0x%08X: %w", seg.addr, err)
		}
		for seq := uint32(0); seq < blocks; seq++ {
			start := int(seq) * memBlockSize
			end := start + memBlockSize
			if end > len(seg.data) {
				end = len(seg.data)
			}
			block := seg.data[start:end]
			if _, err := c.command(ctx, cmdMemData, blockPayload(block, seq), checksum(block), c.timeout); err != nil {
				return fmt.Errorf("mem data 0x%08X seq %d: %w", seg.addr, seq, err)
			}
		}
	}

	if _, err := c.command(ctx, cmdMemEnd, u32s(0, stub.Entry), 0, c.timeout); err != nil {
		return fmt.Errorf("mem end: %w", err)
	}

	frame, err := c.readFrame(ctx, c.timeout)
	if err != nil {
		return fmt.Errorf("wait for stub: %w", err)
	}
	if string(frame) != "OHAI" {
		return fmt.Errorf("unexpected stub greeting %q", frame)
	}

	c.stubRunning = true
	c.statusLen = stubStatusLen
	return nil
}

// Identify detects the chip, reads its MAC and probes the SPI flash.
func (c *serialConn) Identify(ctx context.Context) (*models.DeviceSession, error) {
	magic, err := c.readReg(ctx, chipDetectMagicReg)
	if err != nil {
		return nil, fmt.Errorf("%w: read chip magic: %v", ErrHandshakeFailed, err)
	}
	if magic != esp32s3Magic {
		return nil, &models.IdentificationError{Reason: fmt.Sprintf("unsupported chip (magic 0x%08X)", magic)}
	}

	mac, err := c.readMAC(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read MAC: %v", ErrHandshakeFailed, err)
	}

	if err := c.spiAttach(ctx); err != nil {
		return nil, fmt.Errorf("%w: attach flash: %v", ErrHandshakeFailed, err)
	}

	flashID, err := c.spiFlashCommand(ctx, spiFlashRDID, 24)
	if err != nil {
		return nil, fmt.Errorf("%w: read flash id: %v", ErrHandshakeFailed, err)
	}

	manufacturer := uint8(flashID & 0xFF)
	memType := uint8((flashID >> 8) & 0xFF)
	capacity := (flashID >> 16) & 0xFF

	var sizeKiB uint32
	if capacity >= 10 && capacity < 32 {
		sizeKiB = (uint32(1) << capacity) / 1024
	}

	return &models.DeviceSession{
		ChipDescription:     "ESP32-S3",
		MACAddress:          models.FormatMAC(mac),
		FlashManufacturerID: manufacturer,
		FlashDeviceID:       memType,
		FlashSizeKiB:        sizeKiB,
	}, nil
}

func (c *serialConn) readMAC(ctx context.Context) ([6]byte, error) {
	var mac [6]byte
	w0, err := c.readReg(ctx, efuseMacWord0)
	if err != nil {
		return mac, err
	}
	w1, err := c.readReg(ctx, efuseMacWord1)
	if err != nil {
		return mac, err
	}
	mac[0] = byte(w1 >> 8)
	mac[1] = byte(w1)
	mac[2] = byte(w0 >> 24)
	mac[3] = byte(w0 >> 16)
	mac[4] = byte(w0 >> 8)
	mac[5] = byte(w0)
	return mac, nil
}

func (c *serialConn) spiAttach(ctx context.Context) error {
	payload := u32s(0)
	if !c.stubRunning {
		payload = u32s(0, 0)
	}
	_, err := c.command(ctx, cmdSpiAttach, payload, 0, c.timeout)
	return err
}

// spiFlashCommand runs a single-byte SPI flash command and returns up to 32 bits of reply.
func (c *serialConn) spiFlashCommand(ctx context.Context, spiCmd uint32, readBits uint32) (uint32, error) {
	oldUsr, err := c.readReg(ctx, spiUsrReg)
	if err != nil {
		return 0, err
	}
	oldUsr2, err := c.readReg(ctx, spiUsr2Reg)
	if err != nil {
		return 0, err
	}

	writes := [][2]uint32{
		{spiMosiDlen, 0},
		{spiMisoDlen, readBits - 1},
		{spiUsrReg, spiUsrCommand | spiUsrMiso},
		{spiUsr2Reg, (7 << 28) | spiCmd},
		{spiW0Reg, 0},
		{spiCmdReg, spiCmdUsr},
	}
	for _, w := range writes {
		if err := c.writeReg(ctx, w[0], w[1]); err != nil {
			return 0, err
		}
	}

	done := false
	for i := 0; i < 10; i++ {
		v, err := c.readReg(ctx, spiCmdReg)
		if err != nil {
			return 0, err
		}
		if v&spiCmdUsr == 0 {
			done = true
			break
		}
	}
	if !done {
		return 0, errors.New("SPI command did not complete")
	}

	value, err := c.readReg(ctx, spiW0Reg)
	if err != nil {
		return 0, err
	}

	// Restore what the boot ROM had configured.
	c.writeReg(ctx, spiUsrReg, oldUsr)
	c.writeReg(ctx, spiUsr2Reg, oldUsr2)
	return value, nil
}

func (c *serialConn) readReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := c.command(ctx, cmdReadReg, u32s(addr), 0, c.timeout)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

func (c *serialConn) writeReg(ctx context.Context, addr, value uint32) error {
	_, err := c.command(ctx, cmdWriteReg, u32s(addr, value, 0xFFFFFFFF, 0), 0, c.timeout)
	return err
}

// ReadFlash streams length bytes through the stub's READ_FLASH command and checks the trailing MD5.
func (c *serialConn) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
	if !c.stubRunning {
		return nil, ErrNeedsStub
	}

	if _, err := c.command(ctx, cmdReadFlash, u32s(offset, length, readPacketSize, readMaxInFlight), 0, c.timeout); err != nil {
		return nil, fmt.Errorf("read flash 0x%08X: %w", offset, err)
	}

	data := make([]byte, 0, length)
	for uint32(len(data)) < length {
		packet, err := c.readFrame(ctx, c.timeout)
		if err != nil {
			return nil, fmt.Errorf("read flash 0x%08X after %d bytes: %w", offset, len(data), err)
		}
		data = append(data, packet...)

		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(len(data)))
		if _, err := c.port.Write(slipEncode(ack)); err != nil {
			return nil, fmt.Errorf("ack read flash: %w", err)
		}
	}
	if uint32(len(data)) > length {
		return nil, fmt.Errorf("read flash 0x%08X: got %d bytes, want %d", offset, len(data), length)
	}

	digest, err := c.readFrame(ctx, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("read flash digest: %w", err)
	}
	if !crypto.MatchesMD5(data, digest) {
		return nil, fmt.Errorf("read flash 0x%08X: MD5 mismatch", offset)
	}

	return data, nil
}

// SupportsCompression is true for both the ESP32-S3 ROM and the stub.
func (c *serialConn) SupportsCompression() bool {
	return true
}

// WriteFlash writes data verbatim at offset. The image header is never rewritten,
// so only options keeping size, mode and frequency are accepted.
func (c *serialConn) WriteFlash(ctx context.Context, offset uint32, data []byte, opts WriteOptions) error {
	if !opts.KeepSize || !opts.KeepMode || !opts.KeepFreq {
		return errors.New("rewriting flash size/mode/frequency is not supported")
	}
	if len(data) == 0 {
		return nil
	}

	blockSize := romWriteBlockSize
	if c.stubRunning {
		blockSize = stubWriteBlock
	}

	c.wrote = true
	if opts.Compress {
		c.deflated = true
		return c.writeDeflated(ctx, offset, data, blockSize)
	}
	return c.writePlain(ctx, offset, data, blockSize)
}

func (c *serialConn) writeDeflated(ctx context.Context, offset uint32, data []byte, blockSize int) error {
	var comp bytes.Buffer
	zw, err := zlib.NewWriterLevel(&comp, zlib.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	compressed := comp.Bytes()
	blocks := blockCount(len(compressed), blockSize)

	writeSize := uint32(len(data))
	begin := u32s(writeSize, blocks, uint32(blockSize), offset)
	if !c.stubRunning {
		// ROM erases up front and expects the encrypted-write flag.
		begin = u32s(eraseSize(len(data)), blocks, uint32(blockSize), offset, 0)
	}

	if _, err := c.command(ctx, cmdFlashDeflBegin, begin, 0, eraseTimeout(len(data))); err != nil {
		return fmt.Errorf("deflate begin 0x%08X: %w", offset, err)
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := int(seq) * blockSize
		end := start + blockSize
		if end > len(compressed) {
			end = len(compressed)
		}
		block := compressed[start:end]
		if _, err := c.command(ctx, cmdFlashDeflData, blockPayload(block, seq), checksum(block), c.timeout+eraseTimeout(blockSize*4)); err != nil {
			return fmt.Errorf("deflate data 0x%08X seq %d/%d: %w", offset, seq+1, blocks, err)
		}
	}

	log.Debug().
		Uint32("offset", offset).
		Int("bytes", len(data)).
		Int("compressed", len(compressed)).
		Msg("Chunk written")

	return nil
}

func (c *serialConn) writePlain(ctx context.Context, offset uint32, data []byte, blockSize int) error {
	blocks := blockCount(len(data), blockSize)
	begin := u32s(eraseSize(len(data)), blocks, uint32(blockSize), offset)
	if !c.stubRunning {
		begin = append(begin, u32s(0)...)
	}

	if _, err := c.command(ctx, cmdFlashBegin, begin, 0, eraseTimeout(len(data))); err != nil {
		return fmt.Errorf("flash begin 0x%08X: %w", offset, err)
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := int(seq) * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}

		block := bytes.Repeat([]byte{0xFF}, blockSize)
		copy(block, data[start:end])

		if _, err := c.command(ctx, cmdFlashData, blockPayload(block, seq), checksum(block), c.timeout); err != nil {
			return fmt.Errorf("flash data 0x%08X seq %d/%d: %w", offset, seq+1, blocks, err)
		}
	}
	return nil
}

// Close ends a pending write session, resets the chip into its firmware and releases the port.
func (c *serialConn) Close() error {
	if c.wrote {
		cmd := byte(cmdFlashEnd)
		if c.deflated {
			cmd = cmdFlashDeflEnd
		}
		// 1 = stay in the loader; the hard reset below reboots.
		if _, err := c.command(context.Background(), cmd, u32s(1), 0, c.timeout); err != nil {
			log.Warn().Err(err).Str("port", c.name).Msg("Flash end not acknowledged")
		}
	}
	c.hardReset()
	return c.port.Close()
}

// command sends a request and waits for the matching response.
func (c *serialConn) command(ctx context.Context, cmd byte, data []byte, chk uint32, timeout time.Duration) (*response, error) {
	req := request{command: cmd, data: data, checksum: chk}
	if _, err := c.port.Write(slipEncode(req.encode())); err != nil {
		return nil, fmt.Errorf("write command 0x%02X: %w", cmd, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("command 0x%02X: timeout", cmd)
		}

		frame, err := c.readFrame(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("command 0x%02X: %w", cmd, err)
		}

		resp, err := decodeResponse(frame, c.statusLen)
		if err != nil || resp.command != cmd {
			// Stale replies from earlier SYNC bursts.
			continue
		}
		if !resp.ok() {
			return nil, fmt.Errorf("command 0x%02X failed: %s", cmd, resp.errorString())
		}
		return resp, nil
	}
}

// readFrame returns the next complete SLIP frame.
func (c *serialConn) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		for len(c.pending) > 0 {
			b := c.pending[0]
			c.pending = c.pending[1:]
			frame, err := c.dec.feed(b)
			if err != nil {
				return nil, err
			}
			if frame != nil {
				return frame, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timeout waiting for frame")
		}

		if err := c.port.SetReadTimeout(50 * time.Millisecond); err != nil {
			return nil, err
		}
		buf := make([]byte, 4096)
		n, err := c.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		c.pending = append(c.pending, buf[:n]...)
	}
}

func eraseTimeout(size int) time.Duration {
	const perMiB = 30 * time.Second
	t := time.Duration(float64(perMiB) * float64(size) / float64(1<<20))
	if t < 3*time.Second {
		return 3 * time.Second
	}
	return t
}
