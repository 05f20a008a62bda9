package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/franksops/gplow/provider"
)

// Walker traverses a source directory iteratively and reports every plot
// file found. It avoids deep recursion to prevent stack overflows on very
// deep directory structures.
type Walker struct {
	Source provider.Provider
}

// NewWalker creates a new iterative directory walker.
func NewWalker(src provider.Provider) *Walker {
	return &Walker{Source: src}
}

// Walk visits root and all of its subdirectories, calling emit for every plot
// file. It returns the number of plots emitted.
func (w *Walker) Walk(ctx context.Context, root string, emit func(Plot)) (int, error) {
	stat, err := w.Source.Stat(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", root, err)
	}

	if !stat.IsDir() {
		if !IsPlotFile(stat.Name()) {
			return 0, nil
		}
		emit(Plot{Path: root, Size: stat.Size(), SourceDir: filepath.Dir(root)})
		return 1, nil
	}

	found := 0
	stack := []string{root}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := w.Source.List(ctx, dir)
		if err != nil {
			return found, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, full)
				continue
			}
			if !IsPlotFile(entry.Name()) {
				continue
			}
			emit(Plot{Path: full, Size: entry.Size(), SourceDir: root})
			found++
		}
	}

	return found, nil
}
