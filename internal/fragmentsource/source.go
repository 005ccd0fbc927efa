// Package fragmentsource reads lineage fragment files from a local directory
// or an S3-compatible bucket and pairs fragments produced by the same run.
package fragmentsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/models"
	"gopkg.in/yaml.v3"
)

// maxFragmentBytes bounds a single fragment file.
const maxFragmentBytes = 64 << 20

// Object is one fragment file.
type Object struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// Source lists and opens fragment files.
type Source interface {
	// List returns fragment files under prefix, newest first.
	List(ctx context.Context, prefix string) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// IsFragmentFile reports whether key has a supported extension.
func IsFragmentFile(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func sortNewestFirst(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if !objs[i].LastModified.Equal(objs[j].LastModified) {
			return objs[i].LastModified.After(objs[j].LastModified)
		}
		return objs[i].Key < objs[j].Key
	})
}

// Decode parses a fragment. YAML is accepted for .yaml and .yml keys. The
// document is either a fragment object or a bare array of events.
func Decode(r io.Reader, key string) (*models.Fragment, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFragmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read fragment %s: %w", key, err)
	}
	if len(data) > maxFragmentBytes {
		return nil, fmt.Errorf("fragment %s exceeds %d bytes", key, maxFragmentBytes)
	}

	switch strings.ToLower(path.Ext(key)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml fragment %s: %w", key, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert yaml fragment %s: %w", key, err)
		}
	}

	trimmed := bytes.TrimSpace(data)
	f := &models.Fragment{}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &f.Events); err != nil {
			return nil, fmt.Errorf("parse fragment events %s: %w", key, err)
		}
	} else if err := json.Unmarshal(trimmed, f); err != nil {
		return nil, fmt.Errorf("parse fragment %s: %w", key, err)
	}
	if f.Path == "" {
		f.Path = key
	}
	return f, nil
}

// Load opens and decodes key, tagging the fragment with source.
func Load(ctx context.Context, src Source, key, source string) (*models.Fragment, error) {
	rc, err := src.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	f, err := Decode(rc, key)
	if err != nil {
		return nil, err
	}
	if f.Source == "" {
		f.Source = source
	}
	return f, nil
}

// Dir serves fragment files from a local directory. Keys are slash
// separated paths relative to the root.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root.
func NewDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open fragment dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open fragment dir: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || !IsFragmentFile(key) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, LastModified: info.ModTime().UTC(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (d *Dir) Open(_ context.Context, key string) (io.ReadCloser, error) {
	clean := path.Clean("/" + key)
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewEngineError(models.KindNotFound, "open fragment", err, "%s", key)
		}
		return nil, fmt.Errorf("open fragment %s: %w", key, err)
	}
	return f, nil
}
