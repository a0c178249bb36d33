package metadata

// conflictClass folds the render-target and UAV variants into the class they share page rules with
func (t SuballocationType) conflictClass() SuballocationType {
	switch t {
	case SuballocationBufferSRVUAV:
		return SuballocationBuffer
	case SuballocationImageRTVDSV, SuballocationImageRTVDSVShared, SuballocationImageRTVDSVSharedAdapter:
		return SuballocationImageOptimal
	}

	return t
}

// AllocationsConflict returns true if resources of the two types may not share a page of memory.
// The check is symmetric.
func AllocationsConflict(firstAllocType, secondAllocType SuballocationType) bool {
	subAllocType1 := firstAllocType.conflictClass()
	subAllocType2 := secondAllocType.conflictClass()

	if subAllocType1 > subAllocType2 {
		subAllocType1, subAllocType2 = subAllocType2, subAllocType1
	}

	switch subAllocType1 {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return subAllocType2 == SuballocationImageUnknown || subAllocType2 == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return subAllocType2 == SuballocationImageUnknown || subAllocType2 == SuballocationImageLinear ||
			subAllocType2 == SuballocationImageOptimal
	case SuballocationImageLinear:
		return subAllocType2 == SuballocationImageOptimal
	case SuballocationImageOptimal:
		return false
	}

	return false
}
