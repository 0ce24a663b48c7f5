package tally

import (
	"math"
	"math/rand"
)

// Laplace draws one sample from the Laplace distribution with the given
// scale, using inverse CDF sampling over the provided source. The source is
// injected so releases can be reproduced in tests with a fixed seed.
func Laplace(scale float64, rng *rand.Rand) float64 {
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
