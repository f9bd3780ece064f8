package device

import (
	"encoding/binary"
	"fmt"
)

// Boot ROM / stub commands
const (
	cmdFlashBegin     = 0x02
	cmdFlashData      = 0x03
	cmdFlashEnd       = 0x04
	cmdMemBegin       = 0x05
	cmdMemEnd         = 0x06
	cmdMemData        = 0x07
	cmdSync           = 0x08
	cmdWriteReg       = 0x09
	cmdReadReg        = 0x0A
	cmdSpiAttach      = 0x0D
	cmdFlashDeflBegin = 0x10
	cmdFlashDeflData  = 0x11
	cmdFlashDeflEnd   = 0x12

	// Stub-only
	cmdReadFlash = 0xD2
)

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	checksumSeed = 0xEF
)

// Flash geometry
const (
	flashSectorSize   = 0x1000
	romWriteBlockSize = 0x400
	stubWriteBlock    = 0x4000
	readPacketSize    = 0x1000
	readMaxInFlight   = 64
)

// ESP32-S3 registers
const (
	chipDetectMagicReg = 0x40001000
	esp32s3Magic       = 0x00000009

	efuseMacWord0 = 0x60007044
	efuseMacWord1 = 0x60007048

	spiRegBase    = 0x60002000
	spiCmdReg     = spiRegBase + 0x00
	spiUsrReg     = spiRegBase + 0x18
	spiUsr1Reg    = spiRegBase + 0x1C
	spiUsr2Reg    = spiRegBase + 0x20
	spiMosiDlen   = spiRegBase + 0x24
	spiMisoDlen   = spiRegBase + 0x28
	spiW0Reg      = spiRegBase + 0x58
	spiCmdUsr     = 1 << 18
	spiUsrCommand = 1 << 31
	spiUsrMiso    = 1 << 28

	spiFlashRDID = 0x9F
)

// Status trailer lengths
const (
	romStatusLen  = 4
	stubStatusLen = 2
)

// request is one command packet before SLIP encoding.
type request struct {
	command  byte
	data     []byte
	checksum uint32
}

// encode serializes the request header and payload.
func (r request) encode() []byte {
	packet := make([]byte, 8+len(r.data))
	packet[0] = dirRequest
	packet[1] = r.command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.checksum)
	copy(packet[8:], r.data)
	return packet
}

// response is a decoded reply from the ROM or stub.
type response struct {
	command byte
	value   uint32
	data    []byte
	status  byte
	errCode byte
}

// decodeResponse parses a SLIP-decoded frame; statusLen is 4 for the ROM and 2 for the stub.
func decodeResponse(frame []byte, statusLen int) (*response, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("response too short: %d bytes", len(frame))
	}
	if frame[0] != dirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", frame[0])
	}

	size := int(binary.LittleEndian.Uint16(frame[2:4]))
	if size > len(frame)-8 {
		return nil, fmt.Errorf("data size mismatch: header %d, have %d", size, len(frame)-8)
	}

	resp := &response{
		command: frame[1],
		value:   binary.LittleEndian.Uint32(frame[4:8]),
	}

	body := frame[8 : 8+size]
	if len(body) >= statusLen {
		resp.data = body[:len(body)-statusLen]
		resp.status = body[len(body)-statusLen]
		resp.errCode = body[len(body)-statusLen+1]
	} else if len(body) >= 2 {
		// Short trailer, seen from some ROM revisions.
		resp.data = body[:len(body)-2]
		resp.status = body[len(body)-2]
		resp.errCode = body[len(body)-1]
	}

	return resp, nil
}

func (r *response) ok() bool {
	return r.status == 0
}

// errorString returns a human-readable description of a failed status.
func (r *response) errorString() string {
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.status, r.errCode, romErrorMessage(r.errCode))
}

func romErrorMessage(code byte) string {
	switch code {
	case 0x05:
		return "invalid message"
	case 0x06:
		return "failed to act"
	case 0x07:
		return "invalid CRC"
	case 0x08:
		return "flash write error"
	case 0x09:
		return "flash read error"
	case 0x0A:
		return "flash read length error"
	case 0x0B:
		return "deflate error"
	default:
		return "unknown error"
	}
}

func checksum(data []byte) uint32 {
	sum := uint32(checksumSeed)
	for _, b := range data {
		sum ^= uint32(b)
	}
	return sum & 0xFF
}

func syncPayload() []byte {
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

func u32s(values ...uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return data
}

// blockPayload prefixes a data block with size, sequence and two reserved words.
func blockPayload(block []byte, seq uint32) []byte {
	payload := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	return payload
}

func eraseSize(size int) uint32 {
	return uint32((size + flashSectorSize - 1) / flashSectorSize * flashSectorSize)
}

func blockCount(size, blockSize int) uint32 {
	return uint32((size + blockSize - 1) / blockSize)
}
