// Package registry indexes an on-disk segment archive.
//
// Layout: <root>/<camera>/<startMs>-<endMs>.<ext>. The directory is
// rescanned on every query so that segments written by a recorder show up
// without restarting the daemon.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"viewd/internal/common/fsutil"
	"viewd/pkg/types"
)

// DefaultExtensions are the payload file extensions picked up by a DirIndex.
var DefaultExtensions = []string{".ts", ".m4s", ".mp4", ".bin"}

// DirIndex implements segments.Index and segments.PayloadSource over a
// directory tree.
type DirIndex struct {
	root string
	exts map[string]bool
}

// NewDirIndex resolves root (expanding '~') and returns an index over it.
// exts defaults to DefaultExtensions.
func NewDirIndex(root string, exts ...string) (*DirIndex, error) {
	abs, err := fsutil.ResolveDir(root)
	if err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[strings.ToLower(e)] = true
	}
	return &DirIndex{root: abs, exts: m}, nil
}

// Root returns the absolute archive directory.
func (d *DirIndex) Root() string { return d.root }

// Cameras lists the camera directories present in the archive.
func (d *DirIndex) Cameras() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Window implements segments.Index.
func (d *DirIndex) Window(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(d.root, cameraID)
	if cameraID == "" || !fsutil.WithinRoot(d.root, dir) || dir == d.root {
		return nil, fmt.Errorf("invalid camera id %q", cameraID)
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []types.Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seg, ok := d.parse(cameraID, e.Name())
		if !ok || !seg.Overlaps(fromMs, toMs) {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartEpochMs == out[j].StartEpochMs {
			return out[i].SourceKey < out[j].SourceKey
		}
		return out[i].StartEpochMs < out[j].StartEpochMs
	})
	return out, nil
}

// Fetch implements segments.PayloadSource. Only files inside the archive
// root are served.
func (d *DirIndex) Fetch(ctx context.Context, seg types.Segment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Clean(seg.RetrievalRef)
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.root, p)
	}
	if !fsutil.WithinRoot(d.root, p) {
		return nil, fmt.Errorf("retrieval ref %q outside archive", seg.RetrievalRef)
	}
	return os.ReadFile(p)
}

// parse turns "<start>-<end>.<ext>" into a descriptor.
func (d *DirIndex) parse(cameraID, name string) (types.Segment, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if !d.exts[ext] {
		return types.Segment{}, false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	a, b, ok := strings.Cut(stem, "-")
	if !ok {
		return types.Segment{}, false
	}
	start, err1 := strconv.ParseInt(a, 10, 64)
	end, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil || start >= end {
		return types.Segment{}, false
	}
	return types.Segment{
		SourceKey:    cameraID + "/" + name,
		StartEpochMs: start,
		EndEpochMs:   end,
		RetrievalRef: filepath.Join(d.root, cameraID, name),
	}, true
}
