package zarr

import (
	"path/filepath"
	"testing"
)

func testGroup(t *testing.T) *Group {
	t.Helper()
	g, err := OpenGroup(filepath.Join(t.TempDir(), "node.zarr"), true)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	return g
}

// TestWriteReadU16 verifies a chunked uint16 round trip with edge chunks
// that do not divide the array shape evenly.
func TestWriteReadU16(t *testing.T) {
	g := testGroup(t)

	shape := []int{3, 4, 5}
	chunks := []int{1, 4, 5} // one z-plane per chunk
	data := make([]uint16, 3*4*5)
	for i := range data {
		data[i] = uint16(i * 7)
	}

	if err := g.WriteArrayU16("raw_data", data, shape, chunks); err != nil {
		t.Fatalf("WriteArrayU16 failed: %v", err)
	}
	if !g.HasArray("raw_data") {
		t.Fatal("Expected HasArray(raw_data) true")
	}

	got, gotShape, err := g.ReadArrayU16("raw_data")
	if err != nil {
		t.Fatalf("ReadArrayU16 failed: %v", err)
	}
	if len(gotShape) != 3 || gotShape[0] != 3 || gotShape[1] != 4 || gotShape[2] != 5 {
		t.Fatalf("Expected shape [3 4 5], got %v", gotShape)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Element %d: expected %d, got %d", i, data[i], got[i])
		}
	}
}

// TestWriteReadF32RaggedChunks verifies float32 round trips when chunk
// boundaries overhang the array shape.
func TestWriteReadF32RaggedChunks(t *testing.T) {
	g := testGroup(t)

	shape := []int{3, 5, 5, 5}
	chunks := []int{1, 2, 3, 4} // deliberately ragged along every axis
	data := make([]float32, 3*5*5*5)
	for i := range data {
		data[i] = float32(i) * 0.25
	}

	if err := g.WriteArrayF32("of_xform_4x", data, shape, chunks); err != nil {
		t.Fatalf("WriteArrayF32 failed: %v", err)
	}

	got, gotShape, err := g.ReadArrayF32("of_xform_4x")
	if err != nil {
		t.Fatalf("ReadArrayF32 failed: %v", err)
	}
	if len(gotShape) != 4 || gotShape[0] != 3 {
		t.Fatalf("Expected rank-4 shape starting with 3, got %v", gotShape)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Element %d: expected %f, got %f", i, data[i], got[i])
		}
	}
}

// TestOverwriteInPlace verifies idempotent persistence: a second write with
// the same layout replaces contents without error, and the store ends up
// holding exactly the second write.
func TestOverwriteInPlace(t *testing.T) {
	g := testGroup(t)

	shape := []int{2, 2, 2}
	chunks := []int{1, 2, 2}
	first := []uint16{1, 2, 3, 4, 5, 6, 7, 8}
	second := []uint16{10, 20, 30, 40, 50, 60, 70, 80}

	if err := g.WriteArrayU16("decon_data", first, shape, chunks); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := g.WriteArrayU16("decon_data", second, shape, chunks); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	got, _, err := g.ReadArrayU16("decon_data")
	if err != nil {
		t.Fatalf("ReadArrayU16 failed: %v", err)
	}
	for i := range second {
		if got[i] != second[i] {
			t.Errorf("Element %d: expected %d from second write, got %d", i, second[i], got[i])
		}
	}
}

// TestOverwriteChangedLayout verifies that rewriting with a different shape
// fully replaces the old array rather than mixing generations.
func TestOverwriteChangedLayout(t *testing.T) {
	g := testGroup(t)

	if err := g.WriteArrayU16("a", make([]uint16, 4*4), []int{4, 4}, []int{2, 2}); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	second := []uint16{9, 9, 9, 9}
	if err := g.WriteArrayU16("a", second, []int{2, 2}, []int{1, 2}); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	got, shape, err := g.ReadArrayU16("a")
	if err != nil {
		t.Fatalf("ReadArrayU16 failed: %v", err)
	}
	if shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("Expected shape [2 2], got %v", shape)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 elements, got %d", len(got))
	}
}

// TestDtypeMismatch verifies that reading with the wrong element type fails.
func TestDtypeMismatch(t *testing.T) {
	g := testGroup(t)

	if err := g.WriteArrayU16("a", []uint16{1, 2}, []int{2}, []int{2}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, _, err := g.ReadArrayF32("a"); err == nil {
		t.Error("Expected dtype mismatch error")
	}
}

// TestShapeMismatch verifies the element-count check on write.
func TestShapeMismatch(t *testing.T) {
	g := testGroup(t)

	if err := g.WriteArrayU16("a", []uint16{1, 2, 3}, []int{2, 2}, []int{2, 2}); err == nil {
		t.Error("Expected error for shape/length mismatch")
	}
}
