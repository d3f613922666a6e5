// Package site publishes a build output directory: it finds the files,
// routes each one to a renderer, and uploads them concurrently.
package site

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Asset is one file of the output directory.
type Asset struct {
	Path string // filesystem path, rooted at the output directory
	Rel  string // slash-separated path relative to the output directory
}

// Scan walks outputDir and returns every regular file in lexical order,
// except HeaderFile.
// Files and directories matching an exclude glob are skipped. A glob
// containing a slash matches the relative path; otherwise it matches the
// base name. Asset paths start with the cleaned outputDir.
func Scan(outputDir string, exclude []string) ([]Asset, error) {
	for _, pattern := range exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
		}
	}

	outputDir = filepath.Clean(outputDir)
	info, err := os.Stat(outputDir)
	if err != nil {
		return nil, fmt.Errorf("stat output directory %s: %w", outputDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory is not a directory: %s", outputDir)
	}

	var assets []Asset
	err = filepath.WalkDir(outputDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Skip the root output directory itself
		if p == outputDir {
			return nil
		}

		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matchAny(exclude, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rel == HeaderFile {
			return nil
		}

		assets = append(assets, Asset{Path: p, Rel: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking output directory: %w", err)
	}

	return assets, nil
}

// matchPattern applies a validated glob to a slash-separated relative path.
// A leading slash anchors the pattern at the top of the output directory.
func matchPattern(pattern, rel string) bool {
	target := path.Base(rel)
	if strings.Contains(pattern, "/") {
		target = rel
		pattern = strings.TrimPrefix(pattern, "/")
	}
	ok, _ := path.Match(pattern, target)
	return ok
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, rel) {
			return true
		}
	}
	return false
}
