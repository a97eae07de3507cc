// Package media resolves stored media references to files on disk.
package media

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"funnelbot/internal/model"
)

var ErrEscapesRoot = errors.New("media reference escapes root")

// Resolver maps references relative to Root (or absolute paths when Root is
// empty) to uploadable files.
type Resolver struct {
	Root string
}

func New(root string) *Resolver {
	return &Resolver{Root: strings.TrimSpace(root)}
}

func (r *Resolver) Resolve(ref string) (model.Media, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Media{}, errors.New("empty media reference")
	}
	p, err := r.path(ref)
	if err != nil {
		return model.Media{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return model.Media{}, fmt.Errorf("media %q: %w", ref, err)
	}
	if st.IsDir() {
		return model.Media{}, fmt.Errorf("media %q is a directory", ref)
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
	if mt == "" {
		m, err := mimetype.DetectFile(p)
		if err != nil {
			return model.Media{}, fmt.Errorf("detect media type of %q: %w", ref, err)
		}
		mt = m.String()
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return model.Media{Path: p, MIME: mt, Category: Categorize(mt)}, nil
}

func (r *Resolver) path(ref string) (string, error) {
	if r.Root == "" {
		return filepath.Clean(ref), nil
	}
	p := filepath.Clean(ref)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.Root, ref)
	}
	rel, err := filepath.Rel(r.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", ref, ErrEscapesRoot)
	}
	return p, nil
}

// Categorize picks the send primitive family for a MIME type.
func Categorize(mt string) model.MediaCategory {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return model.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return model.MediaVideo
	default:
		return model.MediaDocument
	}
}
