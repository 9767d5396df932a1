package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"predictd/internal/common/fsutil"
)

// DefaultExtensions are the model file suffixes picked up by ScanDir.
var DefaultExtensions = []string{".gguf"}

// ScanDir discovers startup models in dir. The model name is the file name
// without its extension and the URL is a file:// URL of the absolute path.
// Discovered specs use the default pool.
func ScanDir(dir string, exts ...string) ([]Spec, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	abs, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var specs []Spec
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		ext := matchExt(fname, exts)
		if ext == "" {
			continue
		}
		p := filepath.Join(abs, fname)
		specs = append(specs, Spec{
			Name: fname[:len(fname)-len(ext)],
			URL:  fsutil.FileURL(p),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

func matchExt(name string, exts []string) string {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) && len(name) > len(ext) {
			return name[len(name)-len(ext):]
		}
	}
	return ""
}
