package search

import "time"

// Throughput is a running average of per-pass hash rates. It is a value;
// Add returns the updated accumulator and leaves the receiver unchanged.
type Throughput struct {
	average float64
	samples int
}

// Add folds one sample into the mean.
func (t Throughput) Add(sample float64) Throughput {
	n := t.samples + 1
	return Throughput{
		average: t.average + (sample-t.average)/float64(n),
		samples: n,
	}
}

// Average returns the mean of all samples, zero before the first.
func (t Throughput) Average() float64 {
	return t.average
}

// Samples returns how many samples were added.
func (t Throughput) Samples() int {
	return t.samples
}

// HashRate converts a hash count and duration into hashes per second. A
// non-positive duration reports zero.
func HashRate(hashes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(hashes) / elapsed.Seconds()
}
