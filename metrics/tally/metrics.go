package tally

import (
	"github.com/3rs4lg4d0/gosourcing/metrics"
	tally "github.com/uber-go/tally/v4"
)

// Counter adapts a tally counter to the metrics.Counter contract.
type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}
