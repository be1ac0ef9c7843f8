package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
)

// TestVectorCodecRoundTrip encodes and decodes a vector and verifies the
// values survive.
func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.25, 0, math.MaxFloat32}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

// TestDecodeVectorRejectsBadLength verifies truncated blobs error.
func TestDecodeVectorRejectsBadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a blob that is not a multiple of 4 bytes")
	}
}

func probeDistance(t *testing.T, m *Manager, a, b []byte) (float64, error) {
	t.Helper()
	var dist float64
	err := m.QueryRow(context.Background(), "SELECT "+vecDistanceFunc+"(?, ?)", []any{a, b}, func(row *sql.Row) error {
		return row.Scan(&dist)
	})
	return dist, err
}

// TestDistanceFunction exercises the registered SQL scalar directly:
// identical vectors are at distance 0, orthogonal at 1, and degenerate
// inputs return the maximum distance instead of erroring.
func TestDistanceFunction(t *testing.T) {
	m := openTestManager(t)

	v := EncodeVector([]float32{1, 2, 3})
	dist, err := probeDistance(t, m, v, v)
	if err != nil {
		t.Fatalf("identical vectors: %v", err)
	}
	if math.Abs(dist) > 1e-6 {
		t.Errorf("distance(v, v) = %v, want 0", dist)
	}

	dist, err = probeDistance(t, m, EncodeVector([]float32{1, 0}), EncodeVector([]float32{0, 1}))
	if err != nil {
		t.Fatalf("orthogonal vectors: %v", err)
	}
	if math.Abs(dist-1) > 1e-6 {
		t.Errorf("distance of orthogonal vectors = %v, want 1", dist)
	}

	dist, err = probeDistance(t, m, EncodeVector(nil), v)
	if err != nil {
		t.Fatalf("empty vector: %v", err)
	}
	if dist != 1 {
		t.Errorf("distance with empty vector = %v, want 1", dist)
	}

	dist, err = probeDistance(t, m, EncodeVector([]float32{0, 0, 0}), v)
	if err != nil {
		t.Fatalf("zero vector: %v", err)
	}
	if dist != 1 {
		t.Errorf("distance with zero-norm vector = %v, want 1", dist)
	}

	if _, err = probeDistance(t, m, EncodeVector([]float32{1, 0}), v); err == nil {
		t.Error("expected error for mismatched dimensions")
	}
}
