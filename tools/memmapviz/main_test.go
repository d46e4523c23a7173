package main

import (
	"gophermm/kernel/cpu"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestMain(m *testing.M) {
	cpu.Emulate()
	os.Exit(m.Run())
}

func TestParseFlags(t *testing.T) {
	specs := []struct {
		args   []string
		expErr bool
	}{
		{[]string{"-in", "map.bin"}, false},
		{[]string{"-in", "map.bin", "-format", "efi", "-efi-stride", "40", "-width", "800"}, false},
		{nil, true},
		{[]string{"-in", "map.bin", "-width", "100"}, true},
		{[]string{"-in", "map.bin", "-kernel-start", "0x200000", "-kernel-end", "0x100000"}, true},
		{[]string{"-in", "map.bin", "-bogus"}, true},
	}

	for specIndex, spec := range specs {
		opts, err := parseFlags(spec.args)
		if gotErr := err != nil; gotErr != spec.expErr {
			t.Errorf("[spec %d] expected error: %t; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && opts.in != "map.bin" {
			t.Errorf("[spec %d] expected input file to be parsed; got %q", specIndex, opts.in)
		}
	}
}

func TestRun(t *testing.T) {
	var (
		dir = t.TempDir()
		in  = filepath.Join(dir, "map.bin")
		out = filepath.Join(dir, "map.png")
	)

	if err := os.WriteFile(in, testEFIMap(), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := parseFlags([]string{
		"-in", in,
		"-out", out,
		"-format", "efi",
		"-efi-stride", "48",
		"-width", "640",
		"-kernel-start", "0x100000",
		"-kernel-end", "0x180000",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = run(opts); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" || cfg.Width != 640 {
		t.Fatalf("expected a 640 pixel wide png; got %s %dx%d", format, cfg.Width, cfg.Height)
	}

	opts.in = filepath.Join(dir, "missing.bin")
	if err = run(opts); err == nil {
		t.Fatal("expected an error for a missing capture")
	}
}
