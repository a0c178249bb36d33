package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 1073741824, config.DeviceHeapSize)
	require.Equal(t, 1073741824, config.HostHeapSize)
	require.Equal(t, 1, config.BufferImageGranularity)
	require.Equal(t, "best-fit", config.Strategy)
	require.False(t, config.HostVisibleOwnMemory)

	options, err := config.CreateOptions()
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationStrategyBestFit, options.Strategy)
	require.Zero(t, options.Debug.Margin)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("GRASIM_DEVICE_HEAP_SIZE", "268435456")
	t.Setenv("GRASIM_BUFFER_IMAGE_GRANULARITY", "1024")
	t.Setenv("GRASIM_HOST_VISIBLE_OWN_MEMORY", "true")
	t.Setenv("GRASIM_STRATEGY", "worst-fit")
	t.Setenv("GRASIM_HEAP_SIZE_LIMITS", "0,65536")
	t.Setenv("GRASIM_BLOCK_SIZE_BACKOFF_STEPS", "-1")
	t.Setenv("GRASIM_DEBUG_MARGIN", "16")
	t.Setenv("GRASIM_DEBUG_ALWAYS_OWN_MEMORY", "true")

	config, err := LoadConfig()
	require.NoError(t, err)

	providerOptions := config.ProviderOptions()
	require.Equal(t, 268435456, providerOptions.MemoryHeaps[0].Size)
	require.Equal(t, 1073741824, providerOptions.MemoryHeaps[1].Size)
	require.Equal(t, 1024, providerOptions.BufferImageGranularity)
	require.True(t, providerOptions.DisableHostVisibleSuballocation)

	options, err := config.CreateOptions()
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationStrategyWorstFit, options.Strategy)
	require.Equal(t, []int{0, 65536}, options.HeapSizeLimits)
	require.Equal(t, -1, options.BlockSizeBackoffSteps)
	require.Equal(t, 16, options.Debug.Margin)
	require.True(t, options.Debug.AlwaysOwnMemory)
}

func TestUnknownStrategy(t *testing.T) {
	t.Setenv("GRASIM_STRATEGY", "first-fit")

	config, err := LoadConfig()
	require.NoError(t, err)

	_, err = config.CreateOptions()
	require.ErrorContains(t, err, "first-fit")
}

func TestMalformedEnvironment(t *testing.T) {
	t.Setenv("GRASIM_DEBUG_MARGIN", "sixteen")

	_, err := LoadConfig()
	require.Error(t, err)
}
