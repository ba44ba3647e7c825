// Command cartbox-assets copies the core's runtime files from
// its package distribution into the directory the server
// serves them from.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/thelolagemann/cartbox/pkg/log"
)

var assetExtensions = []string{
	".js",
	".js.map",
	".wasm",
	".wasm.map",
	".data",
	".data.map",
	".worker.js",
	".worker.js.map",
}

func main() {
	src := flag.String("src", filepath.Join("node_modules", "@thenick775", "mgba-wasm", "dist"), "The directory holding the core distribution")
	dst := flag.String("dst", filepath.Join("public", "wasm"), "The directory to copy the runtime files to")
	flag.Parse()

	logger := log.New()
	defer log.Sync(logger)

	n, err := copyAssets(*src, *dst)
	if err != nil {
		logger.Errorf("failed to copy runtime files: %v", err)
		log.Sync(logger)
		os.Exit(1)
	}
	if n == 0 {
		logger.Infof("no runtime files found in %s", *src)
		return
	}
	logger.Infof("copied %d runtime file(s) to %s", n, *dst)
}

func isAsset(name string) bool {
	for _, ext := range assetExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// copyAssets copies the runtime files in src to dst, creating
// dst when needed, and returns how many it copied.
func copyAssets(src, dst string) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	var assets []string
	for _, e := range entries {
		if e.Type().IsRegular() && isAsset(e.Name()) {
			assets = append(assets, e.Name())
		}
	}
	if len(assets) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, err
	}
	for i, name := range assets {
		if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return i, fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return len(assets), nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
