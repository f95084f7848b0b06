package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Sample is one labeled image on disk.
type Sample struct {
	Path  string
	Label int
}

// Folder is a class-per-subdirectory image dataset. Class indices follow the
// sorted subdirectory names.
type Folder struct {
	Root    string
	Classes []string
	Samples []Sample
}

// OpenFolder discovers the classes and images beneath root.
func OpenFolder(root string) (*Folder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	f := &Folder{Root: root}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			f.Classes = append(f.Classes, e.Name())
		}
	}
	sort.Strings(f.Classes)

	for label, class := range f.Classes {
		paths, err := discoverImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			f.Samples = append(f.Samples, Sample{Path: p, Label: label})
		}
	}
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("open dataset: no images found in %s", root)
	}
	return f, nil
}

// discoverImages returns the image files beneath dir in lexical order.
func discoverImages(dir string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if imageExts[strings.ToLower(filepath.Ext(d.Name()))] {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// NumClasses returns the number of class subdirectories.
func (f *Folder) NumClasses() int { return len(f.Classes) }

// Len returns the number of images.
func (f *Folder) Len() int { return len(f.Samples) }

// ClassDistribution counts the images of each class.
func (f *Folder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(f.Classes))
	for _, s := range f.Samples {
		dist[f.Classes[s.Label]]++
	}
	return dist
}
