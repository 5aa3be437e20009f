package inference

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

// ModelFormat identifies the container of a model file
type ModelFormat string

const (
	FormatONNX    ModelFormat = "onnx"
	FormatGGUF    ModelFormat = "gguf"
	FormatUnknown ModelFormat = "unknown"
)

// maxHeaderBytes bounds how much of a model file is read for probing
const maxHeaderBytes = 4 << 20

// Opset is one ONNX operator set import
type Opset struct {
	Domain  string `json:"domain,omitempty"`
	Version int64  `json:"version"`
}

// Model describes a model file on disk. Weights are not held in memory;
// the engine owns them once a session is built.
type Model struct {
	Path            string      `json:"path"`
	Size            int64       `json:"size"`
	Format          ModelFormat `json:"format"`
	IRVersion       int64       `json:"irVersion,omitempty"`
	Producer        string      `json:"producer,omitempty"`
	ProducerVersion string      `json:"producerVersion,omitempty"`
	Opsets          []Opset     `json:"opsets,omitempty"`
	GGUFVersion     uint32      `json:"ggufVersion,omitempty"`
	ExternalData    string      `json:"externalData,omitempty"`
}

// OpenModel stats and probes the model at path. It fails with
// ErrModelMissing when the file is absent or zero-length; an unrecognised
// format is not an error here.
func OpenModel(path string) (*Model, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrModelMissing, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()

	header, err := io.ReadAll(io.LimitReader(f, maxHeaderBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read model header: %w", err)
	}

	m := &Model{Path: path, Size: info.Size(), Format: FormatUnknown}
	switch {
	case bytes.HasPrefix(header, []byte("GGUF")) && len(header) >= 8:
		m.Format = FormatGGUF
		m.GGUFVersion = binary.LittleEndian.Uint32(header[4:8])
	default:
		probeONNX(m, header)
	}

	if m.Format == FormatONNX {
		if st, err := os.Stat(path + ".data"); err == nil && !st.IsDir() {
			m.ExternalData = path + ".data"
		}
	}

	return m, nil
}

// Validate reports whether an engine can use the model
func (m *Model) Validate() error {
	switch m.Format {
	case FormatONNX:
		if m.IRVersion <= 0 {
			return fmt.Errorf("onnx model %s has no ir_version", filepath.Base(m.Path))
		}
		return nil
	case FormatGGUF:
		if m.GGUFVersion == 0 {
			return fmt.Errorf("gguf model %s has no version", filepath.Base(m.Path))
		}
		return nil
	}
	return fmt.Errorf("unrecognised model format: %s", filepath.Base(m.Path))
}

// ONNX ModelProto field numbers
const (
	onnxIRVersion       protowire.Number = 1
	onnxProducerName    protowire.Number = 2
	onnxProducerVersion protowire.Number = 3
	onnxOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2
)

// probeONNX reads the top-level ModelProto fields that fit in header. A
// truncated trailing field (usually the graph) ends the scan.
func probeONNX(m *Model, header []byte) {
	b := header
	sawIR := false
scan:
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			break
		}
		b = b[n:]

		switch {
		case num == onnxIRVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				break scan
			}
			m.IRVersion = int64(v)
			sawIR = true
			b = b[n:]
			continue
		case num == onnxProducerName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				break scan
			}
			m.Producer = string(v)
			b = b[n:]
			continue
		case num == onnxProducerVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				break scan
			}
			m.ProducerVersion = string(v)
			b = b[n:]
			continue
		case num == onnxOpsetImport && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				break scan
			}
			if op, ok := parseOpset(v); ok {
				m.Opsets = append(m.Opsets, op)
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			break
		}
		b = b[n:]
	}

	// Arbitrary bytes often decode as a few fields; a plausible
	// ir_version is required before the file counts as ONNX.
	if sawIR && m.IRVersion > 0 && m.IRVersion < 100 {
		m.Format = FormatONNX
	} else {
		m.IRVersion = 0
	}
}

func parseOpset(b []byte) (Opset, bool) {
	var op Opset
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op, false
		}
		b = b[n:]
		switch {
		case num == opsetDomain && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, false
			}
			op.Domain = string(v)
			b = b[n:]
		case num == opsetVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, false
			}
			op.Version = int64(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return op, false
			}
			b = b[n:]
		}
	}
	return op, true
}
