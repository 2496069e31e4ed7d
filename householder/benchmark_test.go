package householder

import (
	"fmt"
	"math/rand"
	"testing"
)

// BenchmarkOrthonormal measures basis construction across dimensions, with
// and without workspace reuse.
func BenchmarkOrthonormal(b *testing.B) {
	dims := []struct{ d, q int }{
		{10, 3},
		{50, 10},
		{100, 20},
		{200, 50},
	}

	for _, dim := range dims {
		b.Run(fmt.Sprintf("Alloc_d%d_q%d", dim.d, dim.q), func(b *testing.B) {
			benchmarkOrthonormal(b, dim.d, dim.q, false)
		})

		b.Run(fmt.Sprintf("Workspace_d%d_q%d", dim.d, dim.q), func(b *testing.B) {
			benchmarkOrthonormal(b, dim.d, dim.q, true)
		})
	}
}

func benchmarkOrthonormal(b *testing.B, d, q int, reuse bool) {
	basis, err := New(d, q)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	v := make([]float64, ParamLen(d, q))
	for i := range v {
		v[i] = rng.NormFloat64()
	}

	ws := NewWorkspace(d, q)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if reuse {
			_, _, err = basis.OrthonormalWith(ws, v)
		} else {
			_, _, err = basis.Orthonormal(v)
		}
		if err != nil {
			b.Fatalf("Orthonormal() error = %v", err)
		}
	}
}
