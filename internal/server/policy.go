package server

import "math/rand"

// DefaultFeedback is the scoring policy applied when a sponsor redeems an
// authorization without naming a score: a score in [75, 99] with the stock
// tags. Callers who care pass their own.
func DefaultFeedback() (score int, tag1, tag2 string) {
	return 75 + rand.Intn(25), "decent-specification", "no-feature-creeping"
}
