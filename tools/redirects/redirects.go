// Command redirects locates the functions annotated with a go:redirect-from
// comment and patches the redirect table of a linked kernel image so that the
// boot code can overwrite the prologue of each runtime function with a jump
// to its kernel replacement.
package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const redirectTableSection = ".goredirectstbl"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared by the go.mod file in root.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", errors.Wrap(err, "locating module path")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", errors.Wrap(err, "reading go.mod")
	}

	return "", errors.New("go.mod does not declare a module path")
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", root)
	}

	return goFiles, nil
}

// findRedirects parses goFiles, which must live below root, and returns one
// redirect per go:redirect-from comment. Destination symbols are qualified
// with modPath and the package directory relative to root.
func findRedirects(root, modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		pkgDir, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.Contains(comment.Text, "go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s", modPath, filepath.ToSlash(pkgDir), fnDecl.Name)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, errors.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, errors.Wrap(err, imgFile)
	}
	defer f.Close()

	redirectsSection := f.Section(redirectTableSection)
	if redirectsSection == nil {
		return 0, errors.Errorf("%s: missing %s section", imgFile, redirectTableSection)
	}

	return redirectsSection.Offset, nil
}

// writeRedirectTable emits the (source, destination) address pairs of
// redirects in the layout expected by the boot code.
func writeRedirectTable(w io.Writer, redirects []*redirect) error {
	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return errors.Wrap(err, "writing redirect table")
		}
	}
	return nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, imgFile)
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return errors.Wrap(err, imgFile)
	}

	return writeRedirectTable(f, redirects)
}

// resolveRedirectSymbols fills in the addresses of the source and destination
// symbols of every redirect.
func resolveRedirectSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return errors.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return errors.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return errors.Wrap(err, imgFile)
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return errors.Wrap(err, imgFile)
	}

	return errors.Wrap(resolveRedirectSymbols(redirects, symbols), imgFile)
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the module root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(errors.Errorf("unknown command %q", cmd))
	}

	modPath, err := modulePath(".")
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(".", modPath, goFiles)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		exit(err)
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		exit(err)
	}
}
