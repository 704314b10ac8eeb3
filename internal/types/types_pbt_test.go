package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSaturatingSubProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("never exceeds the minuend", prop.ForAll(
		func(a, b uint64) bool {
			return SaturatingSub(a, b) <= a
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.Property("adds back to the minuend when b <= a", prop.ForAll(
		func(a, b uint64) bool {
			if b > a {
				return SaturatingSub(a, b) == 0
			}
			return SaturatingSub(a, b)+b == a
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
