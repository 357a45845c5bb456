package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Supported element types. Raw and deconvolved volumes are stored as
// little-endian uint16, enhancement volumes and displacement fields as
// little-endian float32.
const (
	DtypeU16 = "<u2"
	DtypeF32 = "<f4"
)

// arrayMeta is the .zarray metadata document.
type arrayMeta struct {
	Shape      []int  `json:"shape"`
	Chunks     []int  `json:"chunks"`
	Dtype      string `json:"dtype"`
	Order      string `json:"order"`
	ZarrFormat int    `json:"zarr_format"`
}

// HasArray reports whether the group holds a named array.
func (g *Group) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(g.path, name, arrayMetaFile))
	return err == nil
}

// WriteArrayU16 persists a uint16 array under name. If the array does not
// exist it is created with the given shape and chunk layout; if it already
// exists its full contents are replaced. Writes are never partial: every
// chunk of the array is rewritten.
func (g *Group) WriteArrayU16(name string, data []uint16, shape, chunks []int) error {
	return g.writeArray(name, DtypeU16, shape, chunks, len(data), 2,
		func(flat int, dst []byte) {
			binary.LittleEndian.PutUint16(dst, data[flat])
		})
}

// WriteArrayF32 persists a float32 array under name with the same
// create-or-overwrite semantics as WriteArrayU16.
func (g *Group) WriteArrayF32(name string, data []float32, shape, chunks []int) error {
	return g.writeArray(name, DtypeF32, shape, chunks, len(data), 4,
		func(flat int, dst []byte) {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(data[flat]))
		})
}

// ReadArrayU16 loads a uint16 array and its shape.
func (g *Group) ReadArrayU16(name string) ([]uint16, []int, error) {
	meta, err := g.arrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.Dtype != DtypeU16 {
		return nil, nil, fmt.Errorf("array %s/%s has dtype %s, expected %s", g.path, name, meta.Dtype, DtypeU16)
	}
	data := make([]uint16, prod(meta.Shape))
	err = g.readChunks(name, meta, 2, func(flat int, src []byte) {
		data[flat] = binary.LittleEndian.Uint16(src)
	})
	if err != nil {
		return nil, nil, err
	}
	return data, meta.Shape, nil
}

// ReadArrayF32 loads a float32 array and its shape.
func (g *Group) ReadArrayF32(name string) ([]float32, []int, error) {
	meta, err := g.arrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.Dtype != DtypeF32 {
		return nil, nil, fmt.Errorf("array %s/%s has dtype %s, expected %s", g.path, name, meta.Dtype, DtypeF32)
	}
	data := make([]float32, prod(meta.Shape))
	err = g.readChunks(name, meta, 4, func(flat int, src []byte) {
		data[flat] = math.Float32frombits(binary.LittleEndian.Uint32(src))
	})
	if err != nil {
		return nil, nil, err
	}
	return data, meta.Shape, nil
}

// arrayMeta loads and validates the metadata document of a named array.
func (g *Group) arrayMeta(name string) (*arrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(g.path, name, arrayMetaFile))
	if err != nil {
		return nil, fmt.Errorf("array %s/%s not found: %w", g.path, name, err)
	}
	meta := &arrayMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("error parsing metadata of %s/%s: %w", g.path, name, err)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.Chunks) {
		return nil, fmt.Errorf("array %s/%s has inconsistent shape/chunk metadata", g.path, name)
	}
	return meta, nil
}

// writeArray creates or fully overwrites a named array. An existing array
// directory with a different layout is removed first; the replacement is a
// complete rewrite, so no mixed-generation chunk files can survive.
func (g *Group) writeArray(name, dtype string, shape, chunks []int, n, elemSize int, put func(flat int, dst []byte)) error {
	if len(shape) == 0 || len(shape) != len(chunks) {
		return fmt.Errorf("array %s: shape and chunks must have equal nonzero rank", name)
	}
	if prod(shape) != n {
		return fmt.Errorf("array %s: shape %v does not match %d elements", name, shape, n)
	}

	dir := filepath.Join(g.path, name)
	meta := arrayMeta{Shape: shape, Chunks: chunks, Dtype: dtype, Order: "C", ZarrFormat: 2}

	if existing, err := g.arrayMeta(name); err == nil {
		if !equalInts(existing.Shape, shape) || !equalInts(existing.Chunks, chunks) || existing.Dtype != dtype {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("error replacing array %s: %w", name, err)
			}
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating array %s: %w", name, err)
	}
	if err := writeJSON(filepath.Join(dir, arrayMetaFile), meta); err != nil {
		return err
	}

	strides := rowMajorStrides(shape)
	counts := chunkCounts(shape, chunks)
	chunkLen := prod(chunks)
	buf := make([]byte, chunkLen*elemSize)

	chunkIdx := make([]int, len(shape))
	for {
		// Fill the chunk buffer in C order; voxels past the array edge
		// stay zero, matching the fixed chunk file size.
		for i := range buf {
			buf[i] = 0
		}
		elem := make([]int, len(shape))
		for offset := 0; offset < chunkLen; offset++ {
			flat, inside := 0, true
			for d := range shape {
				src := chunkIdx[d]*chunks[d] + elem[d]
				if src >= shape[d] {
					inside = false
					break
				}
				flat += src * strides[d]
			}
			if inside {
				put(flat, buf[offset*elemSize:])
			}
			odometerStep(elem, chunks)
		}

		file := filepath.Join(dir, chunkName(chunkIdx))
		if err := os.WriteFile(file, buf, 0644); err != nil {
			return fmt.Errorf("error writing chunk of array %s: %w", name, err)
		}

		if !odometerStep(chunkIdx, counts) {
			break
		}
	}
	return nil
}

// readChunks streams every chunk file of an array through set.
func (g *Group) readChunks(name string, meta *arrayMeta, elemSize int, set func(flat int, src []byte)) error {
	dir := filepath.Join(g.path, name)
	strides := rowMajorStrides(meta.Shape)
	counts := chunkCounts(meta.Shape, meta.Chunks)
	chunkLen := prod(meta.Chunks)

	chunkIdx := make([]int, len(meta.Shape))
	for {
		buf, err := os.ReadFile(filepath.Join(dir, chunkName(chunkIdx)))
		if err != nil {
			return fmt.Errorf("error reading chunk %s of array %s/%s: %w", chunkName(chunkIdx), g.path, name, err)
		}
		if len(buf) < chunkLen*elemSize {
			return fmt.Errorf("chunk %s of array %s/%s is truncated", chunkName(chunkIdx), g.path, name)
		}

		elem := make([]int, len(meta.Shape))
		for offset := 0; offset < chunkLen; offset++ {
			flat, inside := 0, true
			for d := range meta.Shape {
				src := chunkIdx[d]*meta.Chunks[d] + elem[d]
				if src >= meta.Shape[d] {
					inside = false
					break
				}
				flat += src * strides[d]
			}
			if inside {
				set(flat, buf[offset*elemSize:])
			}
			odometerStep(elem, meta.Chunks)
		}

		if !odometerStep(chunkIdx, counts) {
			break
		}
	}
	return nil
}

// chunkName joins chunk grid coordinates with dots, e.g. "2.0.1".
func chunkName(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// odometerStep advances a multi-dimensional counter in C order (last axis
// fastest) and reports whether the counter wrapped past the end.
func odometerStep(idx, limits []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < limits[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

// rowMajorStrides returns C-order strides for a shape.
func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}
	return strides
}

// chunkCounts returns the chunk grid extent along each axis.
func chunkCounts(shape, chunks []int) []int {
	counts := make([]int, len(shape))
	for d := range shape {
		counts[d] = (shape[d] + chunks[d] - 1) / chunks[d]
	}
	return counts
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
