package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssetLister lists selectable asset identifiers, e.g. avatar images.
type AssetLister interface {
	ListAssets(category string) ([]string, error)
}

// DirAssetLister lists the files of <root>/<category>, sorted by name.
type DirAssetLister struct {
	root string
}

func NewDirAssetLister(root string) *DirAssetLister {
	return &DirAssetLister{root: root}
}

func (l *DirAssetLister) ListAssets(category string) ([]string, error) {
	if strings.Contains(category, "..") {
		return nil, fmt.Errorf("invalid asset category %q", category)
	}
	entries, err := os.ReadDir(filepath.Join(l.root, category))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
