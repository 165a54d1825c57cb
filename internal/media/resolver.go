// Package media sits between the engine and the files it plays and records:
// it resolves playable sources, turns raw captures into WAV artifacts and
// prunes old artifacts.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/discord-voice-bridge/internal/audio"
)

// Classified resolution failures.
var (
	ErrForbidden  = errors.New("media: source forbidden")
	ErrRestricted = errors.New("media: source restricted")
	ErrNotFound   = errors.New("media: source not found")
)

// Resolver turns a requested source into a local file path that already has
// the engine's PCM geometry.
type Resolver interface {
	Resolve(ctx context.Context, source string) (string, error)
}

// FileResolver serves local WAV files. Relative sources are resolved under
// Root and may not escape it.
type FileResolver struct {
	Root string
}

func (r FileResolver) Resolve(ctx context.Context, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := strings.TrimPrefix(source, "file://")
	if path == "" {
		return "", fmt.Errorf("%w: empty source", ErrNotFound)
	}
	if r.Root != "" {
		root, err := filepath.Abs(r.Root)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		if rel, err := filepath.Rel(root, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is outside %s", ErrForbidden, source, root)
		}
	}

	src, err := audio.OpenSource(path)
	switch {
	case err == nil:
		src.Close()
		return path, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrNotFound, source)
	case errors.Is(err, fs.ErrPermission):
		return "", fmt.Errorf("%w: %s", ErrForbidden, source)
	default:
		return "", err
	}
}

// Probe opens path and reports its layout and length.
func Probe(path string) (audio.Format, float64, error) {
	src, err := audio.OpenSource(path)
	if err != nil {
		return audio.Format{}, 0, err
	}
	defer src.Close()
	return src.Format(), src.Duration().Seconds(), nil
}
