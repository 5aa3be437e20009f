package inference

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// onnxFixture encodes a minimal ModelProto: ir_version, producer, a graph
// blob and one opset import
func onnxFixture() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 8)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "pytorch")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "2.3.0")
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x0a, 0x04, 'm', 'a', 'i', 'n'})

	var opset []byte
	opset = protowire.AppendTag(opset, 1, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 17)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)
	return b
}

func writeModel(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
	return path
}

func TestOpenModelONNX(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, "phi3.onnx", onnxFixture())
	os.WriteFile(path+".data", []byte("weights"), 0644)

	m, err := OpenModel(path)
	if err != nil {
		t.Fatalf("OpenModel failed: %v", err)
	}
	if m.Format != FormatONNX {
		t.Fatalf("Expected onnx format, got %s", m.Format)
	}
	if m.IRVersion != 8 || m.Producer != "pytorch" || m.ProducerVersion != "2.3.0" {
		t.Errorf("Unexpected header fields: %+v", m)
	}
	if len(m.Opsets) != 1 || m.Opsets[0].Version != 17 {
		t.Errorf("Expected opset 17, got %+v", m.Opsets)
	}
	if m.ExternalData != path+".data" {
		t.Errorf("Expected external data sidecar, got %q", m.ExternalData)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestOpenModelONNXTruncatedGraph(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendVarint(b, 1<<30) // length far past the end of file
	b = append(b, 0x01, 0x02)

	m, err := OpenModel(writeModel(t, t.TempDir(), "model.onnx", b))
	if err != nil {
		t.Fatalf("OpenModel failed: %v", err)
	}
	if m.Format != FormatONNX || m.IRVersion != 9 {
		t.Errorf("Expected onnx ir 9 despite truncation, got %+v", m)
	}
}

func TestOpenModelGGUF(t *testing.T) {
	data := make([]byte, 16)
	copy(data, "GGUF")
	binary.LittleEndian.PutUint32(data[4:], 3)

	m, err := OpenModel(writeModel(t, t.TempDir(), "phi3.gguf", data))
	if err != nil {
		t.Fatalf("OpenModel failed: %v", err)
	}
	if m.Format != FormatGGUF || m.GGUFVersion != 3 {
		t.Errorf("Expected gguf v3, got %+v", m)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestOpenModelUnknownFormat(t *testing.T) {
	m, err := OpenModel(writeModel(t, t.TempDir(), "model.bin", []byte("definitely not a model")))
	if err != nil {
		t.Fatalf("OpenModel should accept unknown formats, got %v", err)
	}
	if m.Format != FormatUnknown {
		t.Errorf("Expected unknown format, got %s", m.Format)
	}
	if err := m.Validate(); err == nil {
		t.Error("Validate should reject an unknown format")
	}
}

func TestOpenModelMissing(t *testing.T) {
	dir := t.TempDir()

	if _, err := OpenModel(filepath.Join(dir, "absent.onnx")); !errors.Is(err, ErrModelMissing) {
		t.Errorf("Expected ErrModelMissing for absent file, got %v", err)
	}

	empty := writeModel(t, dir, "empty.onnx", nil)
	if _, err := OpenModel(empty); !errors.Is(err, ErrModelMissing) {
		t.Errorf("Expected ErrModelMissing for zero-length file, got %v", err)
	}

	if _, err := OpenModel(dir); !errors.Is(err, ErrModelMissing) {
		t.Errorf("Expected ErrModelMissing for a directory, got %v", err)
	}
}
