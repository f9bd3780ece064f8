package device

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

// fakeROM emulates an ESP32-S3 in download mode behind a serial port.
type fakeROM struct {
	mu sync.Mutex

	rx  bytes.Buffer
	dec slipDecoder

	regs      map[uint32]uint32
	flashID   uint32
	statusLen int
	stub      bool

	flash      map[uint32][]byte
	writeAt    uint32
	compressed bytes.Buffer
	plain      bytes.Buffer

	readData []byte
	ended    bool
	closed   bool
	commands []byte
}

func newFakeROM() *fakeROM {
	return &fakeROM{
		regs: map[uint32]uint32{
			chipDetectMagicReg: esp32s3Magic,
			efuseMacWord0:      0x33445566,
			efuseMacWord1:      0x00001122,
		},
		flashID:   0x1840EF,
		statusLen: romStatusLen,
		flash:     make(map[uint32][]byte),
	}
}

func (f *fakeROM) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rx.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return f.rx.Read(p)
}

func (f *fakeROM) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range p {
		frame, err := f.dec.feed(b)
		if err != nil {
			return 0, err
		}
		if frame != nil {
			f.handle(frame)
		}
	}
	return len(p), nil
}

func (f *fakeROM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeROM) SetDTR(bool) error                  { return nil }
func (f *fakeROM) SetRTS(bool) error                  { return nil }
func (f *fakeROM) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeROM) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx.Reset()
	return nil
}

func (f *fakeROM) reply(cmd byte, value uint32, data []byte, status byte) {
	body := append([]byte{}, data...)
	trailer := make([]byte, f.statusLen)
	trailer[0] = status
	if status != 0 {
		trailer[1] = 0x05
	}
	body = append(body, trailer...)

	frame := make([]byte, 8, 8+len(body))
	frame[0] = dirResponse
	frame[1] = cmd
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], value)
	frame = append(frame, body...)
	f.rx.Write(slipEncode(frame))
}

func (f *fakeROM) handle(frame []byte) {
	if len(frame) < 8 || frame[0] != dirRequest {
		// Read acks from the host.
		return
	}
	cmd := frame[1]
	data := frame[8:]
	f.commands = append(f.commands, cmd)
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(data[i*4:]) }

	switch cmd {
	case cmdSync, cmdSpiAttach, cmdMemBegin, cmdMemData:
		f.reply(cmd, 0, nil, 0)
	case cmdReadReg:
		f.reply(cmd, f.regs[word(0)], nil, 0)
	case cmdWriteReg:
		addr, value := word(0), word(1)
		f.regs[addr] = value
		if addr == spiCmdReg && value&spiCmdUsr != 0 {
			f.regs[spiW0Reg] = f.flashID
			f.regs[spiCmdReg] = 0
		}
		f.reply(cmd, 0, nil, 0)
	case cmdFlashBegin, cmdFlashDeflBegin:
		f.writeAt = word(3)
		f.compressed.Reset()
		f.plain.Reset()
		f.reply(cmd, 0, nil, 0)
	case cmdFlashData:
		size := binary.LittleEndian.Uint32(data[0:4])
		f.plain.Write(data[16 : 16+size])
		f.reply(cmd, 0, nil, 0)
	case cmdFlashDeflData:
		size := binary.LittleEndian.Uint32(data[0:4])
		f.compressed.Write(data[16 : 16+size])
		f.reply(cmd, 0, nil, 0)
	case cmdFlashDeflEnd:
		zr, err := zlib.NewReader(bytes.NewReader(f.compressed.Bytes()))
		if err != nil {
			f.reply(cmd, 0, nil, 1)
			return
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			f.reply(cmd, 0, nil, 1)
			return
		}
		f.flash[f.writeAt] = out
		f.ended = true
		f.reply(cmd, 0, nil, 0)
	case cmdFlashEnd:
		f.flash[f.writeAt] = append([]byte{}, f.plain.Bytes()...)
		f.ended = true
		f.reply(cmd, 0, nil, 0)
	case cmdReadFlash:
		if !f.stub {
			f.reply(cmd, 0, nil, 1)
			return
		}
		offset, length, packet := word(0), word(1), word(2)
		f.reply(cmd, 0, nil, 0)
		chunk := f.readData[offset : offset+length]
		for start := uint32(0); start < length; start += packet {
			end := start + packet
			if end > length {
				end = length
			}
			f.rx.Write(slipEncode(chunk[start:end]))
		}
		sum := md5.Sum(chunk)
		f.rx.Write(slipEncode(sum[:]))
	default:
		f.reply(cmd, 0, nil, 1)
	}
}
