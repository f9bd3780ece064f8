package device

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

const memBlockSize = 0x1800

// Stub is a flasher stub image in esptool's JSON layout.
type Stub struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"-"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"-"`
	DataStart uint32 `json:"data_start"`
}

// LoadStub reads an esptool stub JSON file.
func LoadStub(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stub: %w", err)
	}

	var doc struct {
		Stub
		TextB64 string `json:"text"`
		DataB64 string `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse stub: %w", err)
	}

	stub := doc.Stub
	if stub.Text, err = base64.StdEncoding.DecodeString(doc.TextB64); err != nil {
		return nil, fmt.Errorf("decode stub text: %w", err)
	}
	if stub.Data, err = base64.StdEncoding.DecodeString(doc.DataB64); err != nil {
		return nil, fmt.Errorf("decode stub data: %w", err)
	}
	if len(stub.Text) == 0 || stub.Entry == 0 {
		return nil, fmt.Errorf("stub %s has no text segment or entry point", path)
	}

	return &stub, nil
}

type stubSegment struct {
	addr uint32
	data []byte
}

func (s *Stub) segments() []stubSegment {
	segs := []stubSegment{{addr: s.TextStart, data: s.Text}}
	if len(s.Data) > 0 {
		segs = append(segs, stubSegment{addr: s.DataStart, data: s.Data})
	}
	return segs
}
