package main

import (
	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/vkngwrapper/gpumem/gra"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native/hostmem"
)

const envVarPrefix = "GRASIM"

// Config is the simulated device and allocator configuration, read from GRASIM_* environment
// variables
type Config struct {
	DeviceHeapSize         int  `split_words:"true" default:"1073741824"`
	HostHeapSize           int  `split_words:"true" default:"1073741824"`
	BufferImageGranularity int  `split_words:"true" default:"1"`
	HostVisibleOwnMemory   bool `split_words:"true"`

	PreferredLargeHeapBlockSize int    `split_words:"true"`
	PreferredSmallHeapBlockSize int    `split_words:"true"`
	SmallHeapMaxSize            int    `split_words:"true"`
	Strategy                    string `default:"best-fit"`
	HeapSizeLimits              []int  `split_words:"true"`
	OwnMemoryThresholdDivisor   int    `split_words:"true"`
	BlockSizeBackoffSteps       int    `split_words:"true"`

	DebugMargin          int  `split_words:"true"`
	DebugAlignment       uint `split_words:"true"`
	DebugAlwaysOwnMemory bool `split_words:"true"`
	DebugGlobalMutex     bool `split_words:"true"`
}

func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, errors.Wrap(err, "loading configuration from the environment")
	}
	return &c, nil
}

var strategies = map[string]metadata.AllocationStrategy{
	"best-fit":  metadata.AllocationStrategyBestFit,
	"worst-fit": metadata.AllocationStrategyWorstFit,
}

// ProviderOptions describes a device with one device-local heap and one host-visible heap
func (c *Config) ProviderOptions() hostmem.Options {
	options := hostmem.DefaultOptions()
	options.MemoryHeaps[0].Size = c.DeviceHeapSize
	options.MemoryHeaps[1].Size = c.HostHeapSize
	options.BufferImageGranularity = c.BufferImageGranularity
	options.DisableHostVisibleSuballocation = c.HostVisibleOwnMemory
	return options
}

func (c *Config) CreateOptions() (gra.CreateOptions, error) {
	strategy, ok := strategies[c.Strategy]
	if !ok {
		return gra.CreateOptions{}, errors.Newf("unknown strategy %q: expected best-fit or worst-fit", c.Strategy)
	}

	return gra.CreateOptions{
		PreferredLargeHeapBlockSize: c.PreferredLargeHeapBlockSize,
		PreferredSmallHeapBlockSize: c.PreferredSmallHeapBlockSize,
		SmallHeapMaxSize:            c.SmallHeapMaxSize,
		Strategy:                    strategy,
		HeapSizeLimits:              c.HeapSizeLimits,
		OwnMemoryThresholdDivisor:   c.OwnMemoryThresholdDivisor,
		BlockSizeBackoffSteps:       c.BlockSizeBackoffSteps,
		Debug: gra.DebugOptions{
			AlwaysOwnMemory: c.DebugAlwaysOwnMemory,
			Alignment:       c.DebugAlignment,
			Margin:          c.DebugMargin,
			GlobalMutex:     c.DebugGlobalMutex,
		},
	}, nil
}

// newProvider builds the simulated device described by the configuration
func (c *Config) newProvider() (*hostmem.Provider, error) {
	return hostmem.New(c.ProviderOptions())
}
