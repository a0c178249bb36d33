package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/gpumem/gra"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

func main() {
	app := &cli.App{
		Name:  "grasim",
		Usage: "replay allocation workloads against a simulated device and report the resulting memory layout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log output format: text or json",
				Value: "text",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log every allocator operation",
			},
		},
		Commands: []*cli.Command{{
			Name:      "run",
			Usage:     "run a workload file (.yaml, .yml or .toml)",
			ArgsUsage: "WORKLOAD",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "detailed",
					Usage: "include every block and own allocation in the stats output",
				},
				&cli.BoolFlag{
					Name:  "continue-on-failure",
					Usage: "count allocations that run out of memory instead of stopping",
				},
				&cli.BoolFlag{
					Name:  "free-remaining",
					Usage: "free allocations the workload leaves live instead of reporting them as leaks",
				},
			},
			Action: runCommand,
		}, {
			Name:   "layout",
			Usage:  "print the simulated device's memory types and heaps",
			Action: layoutCommand,
		}},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "grasim: %+v\n", err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) (*slog.Logger, error) {
	level := slog.LevelInfo
	if ctx.Bool("verbose") {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	switch ctx.String("log-format") {
	case "text":
		return slog.New(slog.NewTextHandler(ctx.App.ErrWriter, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(ctx.App.ErrWriter, options)), nil
	}

	return nil, errors.Newf("unknown log format %q", ctx.String("log-format"))
}

func withAllocator(ctx *cli.Context, f func(logger *slog.Logger, allocator *gra.Allocator) error) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}

	config, err := LoadConfig()
	if err != nil {
		return err
	}

	provider, err := config.newProvider()
	if err != nil {
		return err
	}

	options, err := config.CreateOptions()
	if err != nil {
		return err
	}

	allocator, err := gra.New(logger, provider, options)
	if err != nil {
		return err
	}

	err = f(logger, allocator)
	return errors.CombineErrors(err, allocator.Destroy())
}

func runCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("run expects exactly one workload file")
	}

	workload, err := LoadWorkload(ctx.Args().First())
	if err != nil {
		return err
	}

	return withAllocator(ctx, func(logger *slog.Logger, allocator *gra.Allocator) error {
		runner := NewRunner(logger, allocator)
		runner.ContinueOnFailure = ctx.Bool("continue-on-failure")

		report, err := runner.Run(ctx.Context, workload)
		if err != nil {
			return err
		}

		logger.Info("workload complete",
			slog.String("workload", workload.Name),
			slog.Int("allocations", report.Allocations),
			slog.Int("blockAllocations", report.BlockAllocations),
			slog.Int("ownAllocations", report.OwnAllocations),
			slog.Int("frees", report.Frees),
			slog.Int("failures", report.Failures),
			slog.Int("live", runner.Live()),
		)

		fmt.Fprintln(ctx.App.Writer, allocator.BuildStatsString(ctx.Bool("detailed")))

		if ctx.Bool("free-remaining") {
			return runner.FreeAll()
		}
		return nil
	})
}

func layoutCommand(ctx *cli.Context) error {
	return withAllocator(ctx, func(logger *slog.Logger, allocator *gra.Allocator) error {
		props := allocator.MemoryProperties()

		for heapIndex, heap := range props.MemoryHeaps {
			fmt.Fprintf(ctx.App.Writer, "heap %d: %d bytes, device local: %t\n", heapIndex, heap.Size, heap.DeviceLocal)
		}

		for typeIndex, memoryType := range props.MemoryTypes {
			fmt.Fprintf(ctx.App.Writer, "type %d: heap %d, %s, block size %d\n",
				typeIndex, memoryType.HeapIndex, memoryType.PropertyFlags, allocator.PreferredBlockSize(typeIndex))
		}

		for usage := gra.MemoryUsageUnknown; usage <= gra.MemoryUsageGPUToCPU; usage++ {
			buffer, bufferOK := allocator.MemoryTypes().Lookup(metadata.SuballocationBuffer, usage)
			image, imageOK := allocator.MemoryTypes().Lookup(metadata.SuballocationImageOptimal, usage)
			fmt.Fprintf(ctx.App.Writer, "%s: buffers %s, images %s\n", usage, typeName(buffer, bufferOK), typeName(image, imageOK))
		}

		return nil
	})
}

func typeName(memoryTypeIndex int, ok bool) string {
	if !ok {
		return "none"
	}
	return fmt.Sprintf("type %d", memoryTypeIndex)
}
