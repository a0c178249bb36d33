package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var conflictTestCases = map[string]struct {
	Type1    SuballocationType
	Type2    SuballocationType
	Conflict bool
}{
	"Frees Dont Conflict": {
		Type1:    SuballocationFree,
		Type2:    SuballocationFree,
		Conflict: false,
	},
	"Unknowns Conflict": {
		Type1:    SuballocationUnknown,
		Type2:    SuballocationUnknown,
		Conflict: true,
	},
	"Frees Dont Conflict With Unknown": {
		Type1:    SuballocationUnknown,
		Type2:    SuballocationFree,
		Conflict: false,
	},
	"Unknown Conflicts With Buffer": {
		Type1:    SuballocationBuffer,
		Type2:    SuballocationUnknown,
		Conflict: true,
	},
	"Buffers Dont Conflict": {
		Type1:    SuballocationBuffer,
		Type2:    SuballocationBuffer,
		Conflict: false,
	},
	"Buffers Dont Conflict With Linear Image": {
		Type1:    SuballocationBuffer,
		Type2:    SuballocationImageLinear,
		Conflict: false,
	},
	"Buffers Conflict With Unknown Image": {
		Type1:    SuballocationImageUnknown,
		Type2:    SuballocationBuffer,
		Conflict: true,
	},
	"Buffers Conflict With Optimal Image": {
		Type1:    SuballocationBuffer,
		Type2:    SuballocationImageOptimal,
		Conflict: true,
	},
	"Unknown Images Conflict": {
		Type1:    SuballocationImageUnknown,
		Type2:    SuballocationImageUnknown,
		Conflict: true,
	},
	"Unknown Image Conflicts With Linear Image": {
		Type1:    SuballocationImageLinear,
		Type2:    SuballocationImageUnknown,
		Conflict: true,
	},
	"Unknown Image Conflicts With Optimal Image": {
		Type1:    SuballocationImageOptimal,
		Type2:    SuballocationImageUnknown,
		Conflict: true,
	},
	"Linear Images Dont Conflict": {
		Type1:    SuballocationImageLinear,
		Type2:    SuballocationImageLinear,
		Conflict: false,
	},
	"Linear Image Conflicts With Optimal Image": {
		Type1:    SuballocationImageOptimal,
		Type2:    SuballocationImageLinear,
		Conflict: true,
	},
	"Optimal Images Dont Conflict": {
		Type1:    SuballocationImageOptimal,
		Type2:    SuballocationImageOptimal,
		Conflict: false,
	},
	"UAV Buffer Acts Like Buffer": {
		Type1:    SuballocationBufferSRVUAV,
		Type2:    SuballocationImageOptimal,
		Conflict: true,
	},
	"UAV Buffer Doesnt Conflict With Linear Image": {
		Type1:    SuballocationImageLinear,
		Type2:    SuballocationBufferSRVUAV,
		Conflict: false,
	},
	"Render Target Acts Like Optimal Image": {
		Type1:    SuballocationImageRTVDSV,
		Type2:    SuballocationBuffer,
		Conflict: true,
	},
	"Shared Render Targets Dont Conflict": {
		Type1:    SuballocationImageRTVDSVShared,
		Type2:    SuballocationImageRTVDSVSharedAdapter,
		Conflict: false,
	},
	"Shared Adapter Render Target Conflicts With Linear Image": {
		Type1:    SuballocationImageRTVDSVSharedAdapter,
		Type2:    SuballocationImageLinear,
		Conflict: true,
	},
}

func TestAllocationsConflict(t *testing.T) {
	for name, testCase := range conflictTestCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Conflict, AllocationsConflict(testCase.Type1, testCase.Type2))
			require.Equal(t, testCase.Conflict, AllocationsConflict(testCase.Type2, testCase.Type1))
		})
	}
}

func TestSuballocationTypeString(t *testing.T) {
	require.Equal(t, "FREE", SuballocationFree.String())
	require.Equal(t, "IMAGE_OPTIMAL", SuballocationImageOptimal.String())
	require.Equal(t, "IMAGE_RTV_DSV_SHARED_ADAPTER", SuballocationImageRTVDSVSharedAdapter.String())
}
