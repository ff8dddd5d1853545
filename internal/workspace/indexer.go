package workspace

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vinodismyname/sheetforge/internal/security"
)

// aliasLen is the number of hex characters kept from the sha1 of a
// canonical workbook id. Short enough to be typed back by a client,
// long enough that collisions across a real workspace are exceptional.
const aliasLen = 10

// Entry describes one workbook discovered under the workspace root.
type Entry struct {
	WorkbookID string
	Alias      string
	Path       string
	Size       int64
	Modified   time.Time
}

// Filter narrows Indexer.List results.
type Filter struct {
	Glob      string // matched against the canonical workbook id
	Substring string // case-insensitive substring match against the canonical workbook id
}

func (f Filter) matches(canonical string) bool {
	if f.Glob != "" {
		ok, err := path.Match(f.Glob, canonical)
		if err != nil || !ok {
			return false
		}
	}
	if f.Substring != "" {
		if !strings.Contains(strings.ToLower(canonical), strings.ToLower(f.Substring)) {
			return false
		}
	}
	return true
}

// Indexer resolves client-supplied workbook identifiers to on-disk paths
// under a fixed workspace root, recomputing its index on every call. There
// is no background file watcher: spec.md treats this as a pure function
// over the current state of the filesystem.
type Indexer struct {
	root string
	exts map[string]struct{}
	sec  *security.Manager
}

// New constructs an Indexer rooted at root, accepting the given file
// extensions (case-insensitive, leading dot optional).
func New(root string, extensions []string, sec *security.Manager) (*Indexer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, ".")
		if e != "" {
			exts["."+e] = struct{}{}
		}
	}
	return &Indexer{root: abs, exts: exts, sec: sec}, nil
}

// Root returns the canonicalized workspace root.
func (ix *Indexer) Root() string {
	return ix.root
}

// List enumerates every workbook under the workspace root matching filter.
func (ix *Indexer) List(ctx context.Context, filter Filter) ([]Entry, error) {
	index, err := ix.buildIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(index.byCanonical))
	for canonical, e := range index.byCanonical {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !filter.matches(canonical) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkbookID < out[j].WorkbookID })
	return out, nil
}

// Resolve maps a user-supplied canonical id or alias to its Entry. It fails
// with ErrNotFound when nothing matches and ErrAmbiguous when an alias
// matches more than one canonical id in the current snapshot.
func (ix *Indexer) Resolve(ctx context.Context, userID string) (Entry, error) {
	_ = ctx
	normalized := normalizeID(userID)
	if normalized == "" {
		return Entry{}, ErrNotFound
	}
	index, err := ix.buildIndex()
	if err != nil {
		return Entry{}, err
	}
	if e, ok := index.byCanonical[normalized]; ok {
		return e, nil
	}
	canonicals, ok := index.byAlias[normalized]
	if !ok || len(canonicals) == 0 {
		return Entry{}, ErrNotFound
	}
	if len(canonicals) > 1 {
		return Entry{}, ErrAmbiguous
	}
	return index.byCanonical[canonicals[0]], nil
}

type index struct {
	byCanonical map[string]Entry
	byAlias     map[string][]string
}

func (ix *Indexer) buildIndex() (index, error) {
	idx := index{byCanonical: map[string]Entry{}, byAlias: map[string][]string{}}
	err := filepath.WalkDir(ix.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if _, ok := ix.exts[ext]; !ok {
			return nil
		}
		rel, err := filepath.Rel(ix.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		canonical := strings.TrimSuffix(rel, ext)
		info, err := d.Info()
		if err != nil {
			return err
		}
		alias := Alias(canonical)
		e := Entry{
			WorkbookID: canonical,
			Alias:      alias,
			Path:       p,
			Size:       info.Size(),
			Modified:   info.ModTime(),
		}
		idx.byCanonical[canonical] = e
		idx.byAlias[alias] = append(idx.byAlias[alias], canonical)
		return nil
	})
	if err != nil {
		return index{}, fmt.Errorf("workspace: scan %q: %w", ix.root, err)
	}
	return idx, nil
}

// Alias derives the stable short identifier for a canonical workbook id.
func Alias(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:aliasLen]
}

// normalizeID trims whitespace, converts backslashes to forward slashes,
// and strips a recognized extension, mirroring canonical-id construction.
func normalizeID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\\", "/")
	s = strings.TrimPrefix(s, "/")
	if ext := strings.ToLower(filepath.Ext(s)); ext != "" {
		known := map[string]struct{}{".xlsx": {}, ".xlsm": {}, ".xls": {}, ".xlsb": {}}
		if _, ok := known[ext]; ok {
			s = strings.TrimSuffix(s, filepath.Ext(s))
		}
	}
	return s
}

// ResolvedPath validates and returns the absolute path for an already
// resolved Entry, rejecting traversal attempts via the security manager.
func (ix *Indexer) ResolvedPath(e Entry) (string, error) {
	if ix.sec == nil {
		return e.Path, nil
	}
	return ix.sec.ValidateOpenPath(e.Path)
}
