package store

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	sqlite "modernc.org/sqlite"
)

// vecDistanceFunc is the SQL scalar the manager registers with the driver.
// It computes cosine distance (1 - similarity) between two encoded vectors.
const vecDistanceFunc = "vec_distance_cos"

// EncodeVector serializes a vector as packed little-endian float32 for BLOB
// storage. Decode with DecodeVector.
func EncodeVector(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a BLOB produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

var registerVectorOnce sync.Once

// registerVectorFunction registers vec_distance_cos with the sqlite driver.
// Registration is process-global, so it runs once no matter how many
// managers open pools; the capability probe catches any registration
// failure by actually executing the function.
func registerVectorFunction() {
	registerVectorOnce.Do(func() {
		_ = sqlite.RegisterDeterministicScalarFunction(vecDistanceFunc, 2, vecDistanceCos)
	})
}

// vecDistanceCos implements the SQL scalar. NULL or empty arguments yield
// the maximum distance 1.0 so unembedded rows sort last instead of erroring;
// mismatched dimensions are a real bug and do error.
func vecDistanceCos(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, err := vectorArg(args[0])
	if err != nil {
		return nil, err
	}
	b, err := vectorArg(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(b) == 0 {
		return float64(1), nil
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("%s: dimension mismatch %d vs %d", vecDistanceFunc, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return float64(1), nil
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
}

func vectorArg(v driver.Value) ([]float32, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return DecodeVector(val)
	case string:
		return DecodeVector([]byte(val))
	default:
		return nil, fmt.Errorf("%s: unsupported argument type %T", vecDistanceFunc, v)
	}
}
