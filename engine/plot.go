package engine

import (
	"path/filepath"
	"strings"
)

// PlotExt is the file extension of finished plots.
const PlotExt = ".plot"

// Plot is an immutable reference to a discovered plot file awaiting transfer.
type Plot struct {
	// Path is the absolute path of the plot file.
	Path string

	// Size is the file size in bytes at discovery time.
	Size int64

	// SourceDir is the configured source directory the plot was found under.
	SourceDir string
}

// Name returns the plot's file name.
func (p Plot) Name() string {
	return filepath.Base(p.Path)
}

// IsPlotFile reports whether name looks like a finished plot.
func IsPlotFile(name string) bool {
	return strings.HasSuffix(name, PlotExt)
}
