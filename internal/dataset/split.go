package dataset

import "math/rand/v2"

type Split int

const (
	SplitTraining Split = iota
	SplitValidation
	SplitTesting
)

var splitNames = [...]string{"training", "validation", "testing"}

func (s Split) String() string {
	if s < 0 || int(s) >= len(splitNames) {
		return "unknown"
	}
	return splitNames[s]
}

// AllSplits lists the partitions in shard order.
func AllSplits() []Split {
	return []Split{SplitTraining, SplitValidation, SplitTesting}
}

// ChooseSplit draws a partition with weights
// [1-validation-test, validation, test].
func ChooseSplit(rng *rand.Rand, validationRatio, testRatio float64) Split {
	r := rng.Float64()
	switch {
	case r < 1-validationRatio-testRatio:
		return SplitTraining
	case r < 1-testRatio:
		return SplitValidation
	default:
		return SplitTesting
	}
}
