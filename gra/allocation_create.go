package gra

// MemoryRequirements is the size and alignment a resource needs from its memory, as reported by
// the graphics backend
type MemoryRequirements struct {
	Size      int
	Alignment uint
}

// AllocationCreateInfo describes how an allocation should be made
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags
	Usage MemoryUsage
	// UserData is an arbitrary value retrievable with Allocation.UserData
	UserData any
	// Name is an optional label used in the detailed stats map and in leak reports
	Name string
}

// ImageTiling selects between linear and optimally-tiled image layouts, which matters when the
// image shares a page with other resources
type ImageTiling int

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)
