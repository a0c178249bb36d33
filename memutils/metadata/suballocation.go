package metadata

// SuballocationType identifies the kind of resource a region of a block is holding. The kind
// matters when two regions share a page: see AllocationsConflict.
type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationBufferSRVUAV
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
	SuballocationImageRTVDSV
	SuballocationImageRTVDSVShared
	SuballocationImageRTVDSVSharedAdapter
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:                     "FREE",
	SuballocationUnknown:                  "UNKNOWN",
	SuballocationBuffer:                   "BUFFER",
	SuballocationBufferSRVUAV:             "BUFFER_SRV_UAV",
	SuballocationImageUnknown:             "IMAGE_UNKNOWN",
	SuballocationImageLinear:              "IMAGE_LINEAR",
	SuballocationImageOptimal:             "IMAGE_OPTIMAL",
	SuballocationImageRTVDSV:              "IMAGE_RTV_DSV",
	SuballocationImageRTVDSVShared:        "IMAGE_RTV_DSV_SHARED",
	SuballocationImageRTVDSVSharedAdapter: "IMAGE_RTV_DSV_SHARED_ADAPTER",
}

func (t SuballocationType) String() string {
	return suballocationTypeMapping[t]
}

// Suballocation is one contiguous region of a block, either free or holding a single resource
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     SuballocationType
}
