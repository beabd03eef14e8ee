package series

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	metadataFile    = "series.json"
	coverLetterFile = "cover_letter"
	patchesDir      = "patches"
)

// Dir is a handle to one series directory within the collection.
type Dir struct {
	// Path is the absolute or base-relative path of the series directory.
	Path string
	// Name is the directory's base name (the fetch stage names it after
	// the series ID, but nothing here depends on that).
	Name string
}

// Repository enumerates the local series collection.
type Repository struct {
	base string
	log  *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) {
		r.log = log
	}
}

// NewRepository creates a Repository over the given base directory.
func NewRepository(base string, opts ...Option) *Repository {
	r := &Repository{
		base: base,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns the series directories sorted by directory name ascending.
// The ordering becomes processing order and must be deterministic so that
// repeated runs are reproducible.
func (r *Repository) List() ([]Dir, error) {
	entries, err := os.ReadDir(r.base)
	if err != nil {
		return nil, fmt.Errorf("listing series collection %s: %w", r.base, err)
	}

	var dirs []Dir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirs = append(dirs, Dir{
			Path: filepath.Join(r.base, entry.Name()),
			Name: entry.Name(),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })

	r.log.Debug("listed series collection", "base", r.base, "count", len(dirs))
	return dirs, nil
}

// Metadata reads and validates the series.json file of one series directory.
// Returns ErrMissingMetadata when the file does not exist.
func (r *Repository) Metadata(d Dir) (*Series, error) {
	data, err := os.ReadFile(filepath.Join(d.Path, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", d.Path, ErrMissingMetadata)
		}
		return nil, fmt.Errorf("reading metadata of %s: %w", d.Path, err)
	}

	s, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Path, err)
	}
	return s, nil
}

// Patches returns the series' patch file paths sorted by filename ascending.
// The filename ordering defines apply order and is significant: patch N may
// depend textually on patch N-1. Returns ErrEmptySeries when the patches
// directory is missing or holds no files.
func (r *Repository) Patches(d Dir) ([]string, error) {
	dir := filepath.Join(d.Path, patchesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", d.Path, ErrEmptySeries)
		}
		return nil, fmt.Errorf("listing patches of %s: %w", d.Path, err)
	}

	var patches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		patches = append(patches, filepath.Join(dir, entry.Name()))
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("%s: %w", d.Path, ErrEmptySeries)
	}
	sort.Strings(patches)
	return patches, nil
}

// CoverLetterPath returns the path of the series' cover letter file and
// whether it exists.
func (r *Repository) CoverLetterPath(d Dir) (string, bool) {
	path := filepath.Join(d.Path, coverLetterFile)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
