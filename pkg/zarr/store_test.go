package zarr

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpenGroupCreate verifies group creation and reopening.
func TestOpenGroupCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile0000")

	g, err := OpenGroup(path, true)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	if g.Path() != path {
		t.Errorf("Expected path %s, got %s", path, g.Path())
	}

	// The group marker must exist so the node is recognizable on disk.
	if _, err := os.Stat(filepath.Join(path, groupMetaFile)); err != nil {
		t.Errorf("Expected group marker file: %v", err)
	}

	// Reopen without create.
	if _, err := OpenGroup(path, false); err != nil {
		t.Errorf("Failed to reopen existing group: %v", err)
	}

	// Missing group without create is an error.
	if _, err := OpenGroup(filepath.Join(dir, "missing"), false); err == nil {
		t.Error("Expected error opening missing group")
	}
}

// TestAttributes verifies scalar and vector attribute round trips.
func TestAttributes(t *testing.T) {
	g, err := OpenGroup(filepath.Join(t.TempDir(), "round000.zarr"), true)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	if err := g.SetAttr("gain", 2.5); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if err := g.SetAttr("psf_idx", 3); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if err := g.SetAttr("voxel_zyx_um", []float64{0.31, 0.098, 0.098}); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}

	gain, err := g.AttrFloat64("gain")
	if err != nil || gain != 2.5 {
		t.Errorf("Expected gain 2.5, got %f (err %v)", gain, err)
	}

	psfIdx, err := g.AttrInt("psf_idx")
	if err != nil || psfIdx != 3 {
		t.Errorf("Expected psf_idx 3, got %d (err %v)", psfIdx, err)
	}

	voxel, err := g.AttrFloats("voxel_zyx_um")
	if err != nil {
		t.Fatalf("AttrFloats failed: %v", err)
	}
	if len(voxel) != 3 || voxel[0] != 0.31 {
		t.Errorf("Expected voxel [0.31 0.098 0.098], got %v", voxel)
	}

	if !g.HasAttr("gain") {
		t.Error("Expected HasAttr(gain) true")
	}
	if g.HasAttr("absent") {
		t.Error("Expected HasAttr(absent) false")
	}
	if _, err := g.AttrFloat64("absent"); err == nil {
		t.Error("Expected error for missing attribute")
	}

	// Setting one attribute must not clobber the others.
	if err := g.SetAttr("gain", 4.0); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if psfIdx, _ := g.AttrInt("psf_idx"); psfIdx != 3 {
		t.Errorf("Expected psf_idx preserved, got %d", psfIdx)
	}
}

// TestChildrenOrdering verifies numeric-suffix ordering of child nodes.
func TestChildrenOrdering(t *testing.T) {
	root, err := OpenGroup(filepath.Join(t.TempDir(), "polyDT"), true)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	for _, name := range []string{"round010.zarr", "round002.zarr", "round000.zarr"} {
		if _, err := root.Child(name, true); err != nil {
			t.Fatalf("Failed to create child %s: %v", name, err)
		}
	}

	names, err := root.Children("round")
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	expected := []string{"round000.zarr", "round002.zarr", "round010.zarr"}
	if len(names) != len(expected) {
		t.Fatalf("Expected %d children, got %d", len(expected), len(names))
	}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("Child %d: expected %s, got %s", i, name, names[i])
		}
	}
}
