package session

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/knights-analytics/onnxbackend/config"
)

// typedBacking decodes a raw little-endian buffer into the typed slice a
// runtime expects as tensor backing.
func typedBacking(dt config.DataType, data []byte) (any, error) {
	elementSize := dt.Size()
	if elementSize == 0 {
		return nil, fmt.Errorf("datatype %s has no fixed element size", dt)
	}
	if len(data)%elementSize != 0 {
		return nil, fmt.Errorf("buffer of %d bytes is not a multiple of element size %d for %s", len(data), elementSize, dt)
	}
	n := len(data) / elementSize

	var backing any
	switch dt {
	case config.Bool:
		backing = make([]bool, n)
	case config.Uint8:
		backing = make([]uint8, n)
	case config.Uint16, config.Fp16:
		backing = make([]uint16, n)
	case config.Uint32:
		backing = make([]uint32, n)
	case config.Uint64:
		backing = make([]uint64, n)
	case config.Int8:
		backing = make([]int8, n)
	case config.Int16:
		backing = make([]int16, n)
	case config.Int32:
		backing = make([]int32, n)
	case config.Int64:
		backing = make([]int64, n)
	case config.Fp32:
		backing = make([]float32, n)
	case config.Fp64:
		backing = make([]float64, n)
	default:
		return nil, fmt.Errorf("datatype %s has no typed backing", dt)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, backing); err != nil {
		return nil, err
	}
	return backing, nil
}

// rawBytes encodes a typed slice back into the little-endian byte layout the
// batching core distributes to payloads.
func rawBytes(data any) ([]byte, error) {
	buffer := &bytes.Buffer{}
	if err := binary.Write(buffer, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("serialising tensor data: %w", err)
	}
	return buffer.Bytes(), nil
}
