package adapters

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

// writeNPY writes a header-only .npy file with the given shape. The
// payload is omitted; shape parsing never reads past the header.
func writeNPY(t *testing.T, path string, version byte, dims []int) {
	t.Helper()
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	header := "{'descr': '<f4', 'fortran_order': False, 'shape': (" + strings.Join(parts, ", ") + "), }\n"

	buf := append([]byte{}, npyMagic...)
	buf = append(buf, version, 0)
	if version == 1 {
		var raw [2]byte
		binary.LittleEndian.PutUint16(raw[:], uint16(len(header)))
		buf = append(buf, raw[:]...)
	} else {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(len(header)))
		buf = append(buf, raw[:]...)
	}
	buf = append(buf, header...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write npy: %v", err)
	}
}

func TestReadNPYShape(t *testing.T) {
	dir := t.TempDir()

	v1 := filepath.Join(dir, "v1.npy")
	writeNPY(t, v1, 1, []int{60, 22, 3})
	dims, err := readNPYShape(v1)
	if err != nil {
		t.Fatalf("v1 shape: %v", err)
	}
	if !reflect.DeepEqual(dims, []int{60, 22, 3}) {
		t.Errorf("v1 dims = %v", dims)
	}

	v2 := filepath.Join(dir, "v2.npy")
	writeNPY(t, v2, 2, []int{1, 90, 22, 3})
	dims, err = readNPYShape(v2)
	if err != nil {
		t.Fatalf("v2 shape: %v", err)
	}
	if !reflect.DeepEqual(dims, []int{1, 90, 22, 3}) {
		t.Errorf("v2 dims = %v", dims)
	}

	junk := filepath.Join(dir, "junk.npy")
	if err := os.WriteFile(junk, []byte("not an array at all"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := readNPYShape(junk); err == nil {
		t.Error("expected error for non-npy payload")
	}
}

func TestMotionFrames(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.npy")
	writeNPY(t, plain, 1, []int{60, 22, 3})
	frames, err := motionFrames(plain)
	if err != nil || frames != 60 {
		t.Fatalf("plain frames = %d, %v", frames, err)
	}

	batched := filepath.Join(dir, "batched.npy")
	writeNPY(t, batched, 1, []int{1, 90, 22, 3})
	frames, err = motionFrames(batched)
	if err != nil || frames != 90 {
		t.Fatalf("batched frames = %d, %v", frames, err)
	}

	flat := filepath.Join(dir, "flat.npy")
	writeNPY(t, flat, 1, []int{120, 66})
	if _, err := motionFrames(flat); err == nil {
		t.Error("expected error for 2-dim array")
	}

	wrongAxis := filepath.Join(dir, "wrong.npy")
	writeNPY(t, wrongAxis, 1, []int{60, 22, 4})
	if _, err := motionFrames(wrongAxis); err == nil {
		t.Error("expected error when the last axis is not xyz")
	}
}
