package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/gra"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"gopkg.in/yaml.v2"
)

// Step is one operation of a workload
type Step struct {
	// Op is one of alloc, free, map, unmap or check
	Op   string `yaml:"op"   toml:"op"`
	Name string `yaml:"name" toml:"name"`

	Size      int      `yaml:"size"      toml:"size"`
	Alignment uint     `yaml:"alignment" toml:"alignment"`
	Usage     string   `yaml:"usage"     toml:"usage"`
	Resource  string   `yaml:"resource"  toml:"resource"`
	Flags     []string `yaml:"flags"     toml:"flags"`
}

// Workload is a named sequence of allocator operations
type Workload struct {
	Name  string `yaml:"name"  toml:"name"`
	Steps []Step `yaml:"steps" toml:"steps"`
}

// LoadWorkload reads a workload from a .yaml, .yml or .toml file
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading workload file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAMLWorkload(data)
	case ".toml":
		return ParseTOMLWorkload(data)
	}

	return nil, errors.Newf("workload file %s: unrecognized extension, expected .yaml, .yml or .toml", path)
}

func ParseYAMLWorkload(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.UnmarshalStrict(data, &w); err != nil {
		return nil, errors.Wrap(err, "parsing yaml workload")
	}
	return &w, nil
}

func ParseTOMLWorkload(data []byte) (*Workload, error) {
	var w Workload
	md, err := toml.Decode(string(data), &w)
	if err != nil {
		return nil, errors.Wrap(err, "parsing toml workload")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("parsing toml workload: unknown keys %v", undecoded)
	}
	return &w, nil
}

var usages = map[string]gra.MemoryUsage{
	"":           gra.MemoryUsageUnknown,
	"unknown":    gra.MemoryUsageUnknown,
	"gpu-only":   gra.MemoryUsageGPUOnly,
	"cpu-only":   gra.MemoryUsageCPUOnly,
	"cpu-to-gpu": gra.MemoryUsageCPUToGPU,
	"gpu-to-cpu": gra.MemoryUsageGPUToCPU,
}

var resources = map[string]metadata.SuballocationType{
	"":              metadata.SuballocationBuffer,
	"buffer":        metadata.SuballocationBuffer,
	"buffer-uav":    metadata.SuballocationBufferSRVUAV,
	"image":         metadata.SuballocationImageOptimal,
	"image-optimal": metadata.SuballocationImageOptimal,
	"image-linear":  metadata.SuballocationImageLinear,
	"render-target": metadata.SuballocationImageRTVDSV,
	"unknown":       metadata.SuballocationUnknown,
}

var allocationFlags = map[string]gra.AllocationCreateFlags{
	"own-memory":     gra.AllocationCreateOwnMemory,
	"never-allocate": gra.AllocationCreateNeverAllocate,
	"persistent-map": gra.AllocationCreatePersistentMap,
}

func (s *Step) createInfo() (gra.AllocationCreateInfo, metadata.SuballocationType, error) {
	usage, ok := usages[s.Usage]
	if !ok {
		return gra.AllocationCreateInfo{}, 0, errors.Newf("unknown usage %q", s.Usage)
	}

	suballocType, ok := resources[s.Resource]
	if !ok {
		return gra.AllocationCreateInfo{}, 0, errors.Newf("unknown resource %q", s.Resource)
	}

	var flags gra.AllocationCreateFlags
	for _, flag := range s.Flags {
		value, ok := allocationFlags[flag]
		if !ok {
			return gra.AllocationCreateInfo{}, 0, errors.Newf("unknown flag %q", flag)
		}
		flags |= value
	}

	return gra.AllocationCreateInfo{
		Flags: flags,
		Usage: usage,
		Name:  s.Name,
	}, suballocType, nil
}

// Report summarizes a workload run
type Report struct {
	Allocations      int
	BlockAllocations int
	OwnAllocations   int
	Frees            int
	Failures         int
}

// Runner executes workloads against an allocator, tracking live allocations by name
type Runner struct {
	logger    *slog.Logger
	allocator *gra.Allocator
	live      map[string]*gra.Allocation

	// ContinueOnFailure records failed allocations in the report instead of stopping the run
	ContinueOnFailure bool
}

func NewRunner(logger *slog.Logger, allocator *gra.Allocator) *Runner {
	return &Runner{
		logger:    logger,
		allocator: allocator,
		live:      make(map[string]*gra.Allocation),
	}
}

// Live returns the number of allocations made by the workload that have not been freed
func (r *Runner) Live() int {
	return len(r.live)
}

// Run executes every step of the workload in order
func (r *Runner) Run(ctx context.Context, w *Workload) (Report, error) {
	var report Report

	for stepIndex, step := range w.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		r.logger.LogAttrs(ctx, slog.LevelDebug, "running step",
			slog.Int("step", stepIndex),
			slog.String("op", step.Op),
			slog.String("name", step.Name),
		)

		err := r.runStep(&step, &report)
		if err != nil {
			return report, errors.Wrapf(err, "step %d (%s %s)", stepIndex, step.Op, step.Name)
		}
	}

	return report, nil
}

func (r *Runner) runStep(step *Step, report *Report) error {
	switch step.Op {
	case "alloc":
		return r.alloc(step, report)
	case "free":
		alloc, err := r.lookup(step.Name)
		if err != nil {
			return err
		}
		delete(r.live, step.Name)
		report.Frees++
		return alloc.Free()
	case "map":
		alloc, err := r.lookup(step.Name)
		if err != nil {
			return err
		}
		_, err = alloc.Map()
		return err
	case "unmap":
		alloc, err := r.lookup(step.Name)
		if err != nil {
			return err
		}
		return alloc.Unmap()
	case "check":
		if err := r.allocator.Validate(); err != nil {
			return err
		}
		err := r.allocator.CheckCorruption()
		if errors.Is(err, gra.ErrCorruptionDetectionDisabled) {
			return nil
		}
		return err
	}

	return errors.Newf("unknown op %q", step.Op)
}

func (r *Runner) lookup(name string) (*gra.Allocation, error) {
	alloc, ok := r.live[name]
	if !ok {
		return nil, errors.Newf("no live allocation named %q", name)
	}
	return alloc, nil
}

func (r *Runner) alloc(step *Step, report *Report) error {
	if step.Name == "" {
		return errors.New("alloc steps must have a name")
	}
	if _, exists := r.live[step.Name]; exists {
		return errors.Newf("an allocation named %q is already live", step.Name)
	}

	createInfo, suballocType, err := step.createInfo()
	if err != nil {
		return err
	}

	alloc, err := r.allocator.AllocateMemory(gra.MemoryRequirements{
		Size:      step.Size,
		Alignment: step.Alignment,
	}, createInfo, suballocType)
	if err != nil {
		if r.ContinueOnFailure && errors.Is(err, gra.ErrOutOfDeviceMemory) {
			r.logger.LogAttrs(context.Background(), slog.LevelWarn, "allocation failed",
				slog.String("name", step.Name),
				slog.Int("size", step.Size),
				slog.Any("error", err),
			)
			report.Failures++
			return nil
		}
		return err
	}

	r.live[step.Name] = alloc
	report.Allocations++
	switch alloc.Type() {
	case gra.AllocationTypeBlock:
		report.BlockAllocations++
	case gra.AllocationTypeOwn:
		report.OwnAllocations++
	}

	return nil
}

// FreeAll frees every allocation the workload left live
func (r *Runner) FreeAll() error {
	var err error
	for name, alloc := range r.live {
		err = errors.CombineErrors(err, alloc.Free())
		delete(r.live, name)
	}
	return err
}
