// Package zarr implements the filesystem-backed chunked array store used by
// the registration pipeline. The layout is zarr-v2 flavored: a group is a
// directory holding JSON attributes in .zattrs, and each named array is a
// subdirectory with a .zarray metadata document and raw little-endian chunk
// files. Compression is not applied; the store only needs idempotent
// whole-array read/write and scalar/vector attributes.
package zarr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	groupMetaFile = ".zgroup"
	attrsFile     = ".zattrs"
	arrayMetaFile = ".zarray"
)

// Group is a handle to one node of the store: a directory that can hold
// attributes, named arrays and child groups.
type Group struct {
	path string
}

// OpenGroup opens the group at path. With create set, the directory and its
// group marker are created if absent; otherwise a missing directory is an
// error.
func OpenGroup(path string, create bool) (*Group, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("store node %s is not a directory", path)
		}
	case os.IsNotExist(err):
		if !create {
			return nil, fmt.Errorf("store node %s does not exist", path)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("error creating store node %s: %w", path, err)
		}
		marker := map[string]int{"zarr_format": 2}
		if err := writeJSON(filepath.Join(path, groupMetaFile), marker); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("error opening store node %s: %w", path, err)
	}
	return &Group{path: path}, nil
}

// Path returns the filesystem path of the group.
func (g *Group) Path() string {
	return g.path
}

// Child opens (or creates) a child group by name.
func (g *Group) Child(name string, create bool) (*Group, error) {
	return OpenGroup(filepath.Join(g.path, name), create)
}

// Children lists child directory names starting with prefix, ordered by the
// numeric value embedded in each name. Dataset nodes encode their index in
// the directory name (tile0003, round002.zarr, bit07.zarr), so numeric
// ordering is the acquisition ordering.
func (g *Group) Children(prefix string) ([]string, error) {
	entries, err := os.ReadDir(g.path)
	if err != nil {
		return nil, fmt.Errorf("error listing store node %s: %w", g.path, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) >= len(prefix) && entry.Name()[:len(prefix)] == prefix {
			names = append(names, entry.Name())
		}
	}

	sort.Slice(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})
	return names, nil
}

// extractNumber pulls the numeric part out of a node name such as
// "round012.zarr" or "tile0003".
func extractNumber(name string) int {
	numStr := ""
	for _, c := range name {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr == "" {
		return 0
	}
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return 0
	}
	return num
}

// loadAttrs reads the attribute document, returning an empty map when the
// group has no attributes yet.
func (g *Group) loadAttrs() (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(g.path, attrsFile))
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading attributes of %s: %w", g.path, err)
	}
	attrs := map[string]interface{}{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("error parsing attributes of %s: %w", g.path, err)
	}
	return attrs, nil
}

// SetAttr writes one attribute, preserving all others.
func (g *Group) SetAttr(key string, value interface{}) error {
	attrs, err := g.loadAttrs()
	if err != nil {
		return err
	}
	attrs[key] = value
	return writeJSON(filepath.Join(g.path, attrsFile), attrs)
}

// HasAttr reports whether the attribute exists.
func (g *Group) HasAttr(key string) bool {
	attrs, err := g.loadAttrs()
	if err != nil {
		return false
	}
	_, ok := attrs[key]
	return ok
}

// AttrFloat64 reads a scalar numeric attribute.
func (g *Group) AttrFloat64(key string) (float64, error) {
	attrs, err := g.loadAttrs()
	if err != nil {
		return 0, err
	}
	raw, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("attribute %q missing on %s", key, g.path)
	}
	val, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("attribute %q on %s is not numeric", key, g.path)
	}
	return val, nil
}

// AttrInt reads an integer attribute.
func (g *Group) AttrInt(key string) (int, error) {
	val, err := g.AttrFloat64(key)
	if err != nil {
		return 0, err
	}
	return int(val), nil
}

// AttrFloats reads a numeric vector attribute.
func (g *Group) AttrFloats(key string) ([]float64, error) {
	attrs, err := g.loadAttrs()
	if err != nil {
		return nil, err
	}
	raw, ok := attrs[key]
	if !ok {
		return nil, fmt.Errorf("attribute %q missing on %s", key, g.path)
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("attribute %q on %s is not a vector", key, g.path)
	}
	vals := make([]float64, len(list))
	for i, item := range list {
		v, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("attribute %q on %s has non-numeric element %d", key, g.path, i)
		}
		vals[i] = v
	}
	return vals, nil
}

// writeJSON marshals value and replaces the file contents.
func writeJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
