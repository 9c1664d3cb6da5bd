package adapters

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	npyMagic        = []byte("\x93NUMPY")
	npyShapePattern = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// readNPYShape parses the array shape out of a .npy header without
// loading the payload. Format v1 uses a 2-byte header length, v2 and
// v3 a 4-byte one; the header itself is a python dict literal.
func readNPYShape(path string) ([]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	preamble := make([]byte, 8)
	if _, err := io.ReadFull(file, preamble); err != nil {
		return nil, fmt.Errorf("read npy preamble: %w", err)
	}
	if !bytes.Equal(preamble[:6], npyMagic) {
		return nil, fmt.Errorf("not an npy file: %s", path)
	}

	var headerLen int
	if preamble[6] == 1 {
		var raw [2]byte
		if _, err := io.ReadFull(file, raw[:]); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(raw[:]))
	} else {
		var raw [4]byte
		if _, err := io.ReadFull(file, raw[:]); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(raw[:]))
	}
	if headerLen <= 0 || headerLen > 1<<20 {
		return nil, fmt.Errorf("implausible npy header length %d", headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}
	match := npyShapePattern.FindSubmatch(header)
	if match == nil {
		return nil, fmt.Errorf("npy header has no shape entry")
	}

	dims := []int{}
	for _, part := range strings.Split(string(match[1]), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad npy shape dimension %q", part)
		}
		dims = append(dims, n)
	}
	return dims, nil
}

// motionFrames returns the frame count of a joints array, accepting an
// optional leading singleton batch dimension around (frames, joints, 3).
func motionFrames(path string) (int, error) {
	dims, err := readNPYShape(path)
	if err != nil {
		return 0, err
	}
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 || dims[2] != 3 {
		return 0, fmt.Errorf("unexpected motion shape: %v", dims)
	}
	return dims[0], nil
}
