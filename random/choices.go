package random

import "fmt"

// Source is anything that produces uniformly distributed 64 bit values.
type Source interface {
	Uint64() uint64
}

// Choices picks one of a fixed set of options according to integer weights.
type Choices[T any] struct {
	cumulative []uint64
	options    []T
}

// NewChoices builds a weighted table. Weights and options must have the same
// length and at least one weight must be positive.
func NewChoices[T any](weights []int, options []T) Choices[T] {
	if len(weights) != len(options) || len(options) == 0 {
		panic(fmt.Sprintf("random: %d weights for %d options", len(weights), len(options)))
	}
	cum := make([]uint64, len(weights))
	var total uint64
	for i, w := range weights {
		if w < 0 {
			panic("random: negative weight")
		}
		total += uint64(w)
		cum[i] = total
	}
	if total == 0 {
		panic("random: all weights are zero")
	}
	return Choices[T]{cumulative: cum, options: options}
}

// Sample draws one option.
func (c Choices[T]) Sample(src Source) T {
	total := c.cumulative[len(c.cumulative)-1]
	pick := src.Uint64() % total
	for i, bound := range c.cumulative {
		if pick < bound {
			return c.options[i]
		}
	}
	return c.options[len(c.options)-1]
}

// Len reports the number of options.
func (c Choices[T]) Len() int {
	return len(c.options)
}
