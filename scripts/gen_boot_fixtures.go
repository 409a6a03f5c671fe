// Command gen_boot_fixtures regenerates testdata/*.expect from the fixture
// scripts under testdata/fixtures, by actually running each one through a
// fresh interpreter. Not part of the build; run via `go generate`.
//
//go:generate go run scripts/gen_boot_fixtures.go
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"

	"github.com/jcorbin/yalp"
	"github.com/jcorbin/yalp/prelude"
)

var (
	fixtureDir = flag.String("fixtures", "testdata/fixtures", "directory of *.scm fixture scripts")
	outDir     = flag.String("out", "testdata", "directory to write *.expect files into")
	timeout    = flag.Duration("timeout", 5*time.Second, "overall deadline for regenerating all fixtures")
	// parallelism bounds how many fixtures run at once; the teacher's own
	// generator ran an unbounded pair of goroutines (format + run), but
	// fixtures here are independent interpreter runs, so a small worker
	// count keeps memory bounded when the fixture set grows.
	parallelism = flag.Int("j", 4, "maximum fixture runs in flight at once")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	names, err := filepath.Glob(filepath.Join(*fixtureDir, "*.scm"))
	if err != nil {
		log.Fatalf("failed to list fixtures: %v", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, *parallelism)

	for _, name := range names {
		name := name
		eg.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()
			return regenerate(ctx, name, *outDir)
		})
	}

	if err := eg.Wait(); err != nil {
		log.Fatalln(err)
	}
}

// regenerate runs one fixture to completion and writes its captured stdout
// to <outDir>/<basename-without-.scm>.expect.
func regenerate(ctx context.Context, fixturePath, outDir string) error {
	src, err := ioutil.ReadFile(fixturePath)
	if err != nil {
		return fmt.Errorf("reading %v: %w", fixturePath, err)
	}

	var out bytes.Buffer
	s := yalp.New(yalp.WithOutput(&out))
	defer s.Close()

	if err := prelude.Install(s); err != nil {
		return fmt.Errorf("installing prelude for %v: %w", fixturePath, err)
	}
	if _, err := s.RunSource(fixturePath, bytes.NewReader(src)); err != nil {
		return fmt.Errorf("running %v: %w", fixturePath, err)
	}
	if err := s.Flush(); err != nil {
		return fmt.Errorf("flushing %v: %w", fixturePath, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(fixturePath), ".scm")
	expectPath := filepath.Join(outDir, base+".expect")
	return ioutil.WriteFile(expectPath, out.Bytes(), 0o644)
}
