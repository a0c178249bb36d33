package metadata

// AllocationStrategy selects how CreateAllocationRequest walks the free regions of a block
type AllocationStrategy uint32

const (
	// AllocationStrategyBestFit tries the smallest free regions that could hold the allocation
	// first. It keeps large free regions intact and is the default.
	AllocationStrategyBestFit AllocationStrategy = iota
	// AllocationStrategyWorstFit tries the largest free region first. It is cheaper when allocation
	// sizes cluster tightly.
	AllocationStrategyWorstFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyBestFit:  "BestFit",
	AllocationStrategyWorstFit: "WorstFit",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
