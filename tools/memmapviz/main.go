// Command memmapviz renders a captured firmware memory map as seen by the
// physical memory manager: the firmware ranges, the ranges already in use at
// boot and the free page regions that ingestion produced.
package main

import (
	"flag"
	"fmt"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"os"

	"github.com/pkg/errors"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memmapviz] error: %s\n", err.Error())
	os.Exit(1)
}

type options struct {
	in, format, out        string
	efiStride              uint
	width                  int
	fontPath               string
	fontSize               float64
	kernelStart, kernelEnd uint64
	verbose                bool
}

func parseFlags(args []string) (*options, error) {
	var (
		opts options
		fs   = flag.NewFlagSet("memmapviz", flag.ContinueOnError)
	)

	fs.StringVar(&opts.in, "in", "", "captured memory map")
	fs.StringVar(&opts.format, "format", "multiboot", "capture format: multiboot, efi or fdt")
	fs.UintVar(&opts.efiStride, "efi-stride", 48, "UEFI memory descriptor stride")
	fs.StringVar(&opts.out, "out", "memmap.png", "output PNG file")
	fs.IntVar(&opts.width, "width", 1600, "image width in pixels")
	fs.StringVar(&opts.fontPath, "font", "", "TrueType font for labels; defaults to a built-in bitmap font")
	fs.Float64Var(&opts.fontSize, "font-size", 11, "font size in points")
	fs.Uint64Var(&opts.kernelStart, "kernel-start", 0, "physical start of the kernel image")
	fs.Uint64Var(&opts.kernelEnd, "kernel-end", 0, "physical end of the kernel image")
	fs.BoolVar(&opts.verbose, "v", false, "print the memory manager log to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case opts.in == "":
		return nil, errors.New("missing -in argument")
	case opts.width <= int(marginLeft+marginRight):
		return nil, errors.Errorf("image width must exceed %d pixels", int(marginLeft+marginRight))
	case opts.kernelEnd < opts.kernelStart:
		return nil, errors.New("kernel image end precedes its start")
	}

	return &opts, nil
}

func run(opts *options) error {
	data, err := os.ReadFile(opts.in)
	if err != nil {
		return errors.Wrap(err, "reading capture")
	}

	info, err := loadBootInfo(data, opts.format, uint32(opts.efiStride))
	if err != nil {
		return err
	}
	if opts.kernelEnd != 0 {
		info.KernelStart, info.KernelEnd = opts.kernelStart, opts.kernelEnd
	}

	s, err := ingest(info)
	if err != nil {
		return err
	}

	face, err := loadFace(opts.fontPath, opts.fontSize)
	if err != nil {
		return err
	}

	return errors.Wrap(render(buildLayout(s, opts.width), face).SavePNG(opts.out), "writing image")
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		exit(err)
	}

	cpu.Emulate()
	if opts.verbose {
		kfmt.SetOutputSink(os.Stderr)
	}

	if err = run(opts); err != nil {
		exit(err)
	}
}
