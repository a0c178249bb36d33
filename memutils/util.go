package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value & int(^(alignment - 1))
}

// BlocksOnSamePage returns true if the last byte of resource A and the first byte of resource B
// fall on the same page. Resource A must precede resource B in memory, and pageSize must be
// a power of two.
func BlocksOnSamePage(resourceAOffset, resourceASize, resourceBOffset int, pageSize uint) bool {
	if resourceAOffset+resourceASize > resourceBOffset {
		panic("resource A must be placed before resource B")
	}

	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := AlignDown(resourceAEnd, pageSize)
	resourceBStartPage := AlignDown(resourceBOffset, pageSize)
	return resourceAEndPage == resourceBStartPage
}
