package engine

import (
	"context"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/franksops/gplow/provider"
)

type mockFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (m mockFileInfo) Name() string       { return m.name }
func (m mockFileInfo) Size() int64        { return m.size }
func (m mockFileInfo) IsDir() bool        { return m.isDir }
func (m mockFileInfo) ModTime() time.Time { return m.modTime }

type mockProvider struct {
	files map[string]mockFileInfo
	dirs  map[string][]mockFileInfo
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		files: make(map[string]mockFileInfo),
		dirs:  make(map[string][]mockFileInfo),
	}
}

func (m *mockProvider) Stat(ctx context.Context, path string) (provider.FileInfo, error) {
	if info, ok := m.files[path]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("file not found: %s: %w", path, fs.ErrNotExist)
}

func (m *mockProvider) List(ctx context.Context, path string) ([]provider.FileInfo, error) {
	if files, ok := m.dirs[path]; ok {
		res := make([]provider.FileInfo, len(files))
		for i, f := range files {
			res[i] = f
		}
		return res, nil
	}
	return nil, fmt.Errorf("directory not found: %s", path)
}

func TestWalker_Walk(t *testing.T) {
	mp := newMockProvider()

	// /root
	// /root/a.plot
	// /root/notes.txt
	// /root/dir1/b.plot
	// /root/dir1/b.plot.tmp
	// /root/dir1/dir2/c.plot
	mp.files["/root"] = mockFileInfo{name: "root", isDir: true}
	mp.dirs["/root"] = []mockFileInfo{
		{name: "a.plot", size: 100},
		{name: "notes.txt", size: 1},
		{name: "dir1", isDir: true},
	}
	mp.dirs["/root/dir1"] = []mockFileInfo{
		{name: "b.plot", size: 200},
		{name: "b.plot.tmp", size: 50},
		{name: "dir2", isDir: true},
	}
	mp.dirs["/root/dir1/dir2"] = []mockFileInfo{
		{name: "c.plot", size: 300},
	}

	walker := NewWalker(mp)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := map[string]Plot{}
	n, err := walker.Walk(ctx, "/root", func(p Plot) { received[p.Path] = p })
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("Expected 3 plots, got %d", n)
	}

	expected := map[string]int64{
		"/root/a.plot":           100,
		"/root/dir1/b.plot":      200,
		"/root/dir1/dir2/c.plot": 300,
	}
	for path, size := range expected {
		p, ok := received[path]
		if !ok {
			t.Errorf("Expected plot %s not found", path)
			continue
		}
		if p.Size != size {
			t.Errorf("Expected size %d for %s, got %d", size, path, p.Size)
		}
		if p.SourceDir != "/root" {
			t.Errorf("Expected source dir /root for %s, got %s", path, p.SourceDir)
		}
	}
}

func TestWalker_Walk_SingleFile(t *testing.T) {
	mp := newMockProvider()
	mp.files["/root/file1.plot"] = mockFileInfo{name: "file1.plot", size: 42}

	walker := NewWalker(mp)
	var got []Plot
	n, err := walker.Walk(context.Background(), "/root/file1.plot", func(p Plot) { got = append(got, p) })
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if n != 1 || len(got) != 1 {
		t.Fatalf("Expected one plot, got %d", len(got))
	}
	if got[0].Path != "/root/file1.plot" || got[0].Size != 42 {
		t.Errorf("Unexpected plot %+v", got[0])
	}
}

func TestWalker_Walk_MissingRoot(t *testing.T) {
	walker := NewWalker(newMockProvider())
	if _, err := walker.Walk(context.Background(), "/nope", func(Plot) {}); err == nil {
		t.Fatal("Expected error for missing root")
	}
}
