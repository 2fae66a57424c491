package forecast

import (
	"math"
	"time"
)

// seasonalAngle maps a date to its phase within the annual cycle.
func seasonalAngle(t time.Time) float64 {
	return 2 * math.Pi * float64(t.UTC().YearDay()) / 365.25
}

// fitLeastSquares solves the normal equations for an arbitrary basis
// over the history. Returns false when the system is singular (e.g. all
// samples share one timestamp).
func fitLeastSquares(history []Sample, basis func(time.Time) []float64) ([]float64, bool) {
	n := len(basis(history[0].Time))
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n+1)
	}
	for _, s := range history {
		x := basis(s.Time)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				m[i][j] += x[i] * x[j]
			}
			m[i][n] += x[i] * s.Value
		}
	}
	return solveAugmented(m)
}

// solveAugmented runs Gauss-Jordan elimination with partial pivoting on
// an n x (n+1) augmented system.
func solveAugmented(m [][]float64) ([]float64, bool) {
	n := len(m)
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[piv][col]) {
				piv = r
			}
		}
		if math.Abs(m[piv][col]) < 1e-12 {
			return nil, false
		}
		m[col], m[piv] = m[piv], m[col]
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := m[r][col] / m[col][col]
			for k := col; k <= n; k++ {
				m[r][k] -= f * m[col][k]
			}
		}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = m[i][n] / m[i][i]
	}
	return out, true
}
