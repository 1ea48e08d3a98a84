package predicate

import "math/rand/v2"

// randomPercent returns a value in [0,100). math/rand/v2's top-level
// functions are already safe for concurrent use by multiple goroutines, so
// no per-goroutine PRNG object is needed here (Go has no thread-local
// storage to hang one off of).
func randomPercent() float64 {
	return rand.Float64() * 100
}
