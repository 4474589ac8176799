package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultRestrictedNames blocks well-known secret/VCS/build-artifact
// directories from every tool that touches the filesystem, regardless of
// which root they live under.
var defaultRestrictedNames = []string{
	".git", "__pycache__", ".venv", "node_modules", ".env", "secrets", "credentials",
}

// PathValidator resolves a caller-supplied path against one or more allowed
// roots, rejecting traversal, symlink escapes, and restricted names. Unlike
// sandbox.SanitizeArg (a single-root check for shell-arg sanitization), this
// validator serves the retrieval gateway's tools, where "allowed" means
// membership in any configured root.
type PathValidator struct {
	roots           []string
	restrictedNames map[string]struct{}
}

// NewPathValidator builds a validator over roots (each cleaned and made
// absolute). extraRestricted augments defaultRestrictedNames.
func NewPathValidator(roots []string, extraRestricted ...string) (*PathValidator, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("gateway: at least one allowed root is required")
	}
	pv := &PathValidator{restrictedNames: make(map[string]struct{}, len(defaultRestrictedNames)+len(extraRestricted))}
	for _, n := range defaultRestrictedNames {
		pv.restrictedNames[n] = struct{}{}
	}
	for _, n := range extraRestricted {
		pv.restrictedNames[n] = struct{}{}
	}
	for _, r := range roots {
		abs, err := filepath.Abs(filepath.Clean(r))
		if err != nil {
			return nil, fmt.Errorf("gateway: resolving root %q: %w", r, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			// Root may not exist yet at startup; fall back to the cleaned
			// absolute form rather than failing construction.
			real = abs
		}
		pv.roots = append(pv.roots, real)
	}
	return pv, nil
}

// Roots returns the configured allowed roots, in priority order.
func (pv *PathValidator) Roots() []string { return append([]string(nil), pv.roots...) }

// Resolve validates rel (interpreted relative to whichever root it names, or
// checked directly if already absolute) and returns the real, symlink-free
// absolute path. It rejects traversal outside every configured root, targets
// resolving (via symlink) outside all roots, and names matching the
// restricted set anywhere in the path.
func (pv *PathValidator) Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("gateway: empty path")
	}
	if pv.hasRestrictedComponent(rel) {
		return "", fmt.Errorf("gateway: path %q touches a restricted name", rel)
	}

	candidates := pv.candidatePaths(rel)
	var lastErr error
	var firstValid string
	for _, candidate := range candidates {
		real, err := pv.withinRoot(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		// Prefer a root where the path actually exists — this is what
		// disambiguates "b.txt" across multiple configured roots. A
		// syntactically valid but not-yet-existing candidate (about to be
		// created) is kept as a fallback.
		if _, statErr := os.Stat(real); statErr == nil {
			return real, nil
		}
		if firstValid == "" {
			firstValid = real
		}
	}
	if firstValid != "" {
		return firstValid, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("gateway: path %q is outside all allowed roots", rel)
	}
	return "", lastErr
}

// candidatePaths builds the set of absolute paths to try: rel itself if
// already absolute, else rel joined onto each configured root in order.
func (pv *PathValidator) candidatePaths(rel string) []string {
	if filepath.IsAbs(rel) {
		return []string{filepath.Clean(rel)}
	}
	out := make([]string, 0, len(pv.roots))
	for _, root := range pv.roots {
		out = append(out, filepath.Join(root, rel))
	}
	return out
}

func (pv *PathValidator) withinRoot(candidate string) (string, error) {
	clean := filepath.Clean(candidate)
	for _, root := range pv.roots {
		if !isWithin(root, clean) {
			continue
		}
		real, err := resolveExisting(clean)
		if err != nil {
			return "", err
		}
		if !isWithin(root, real) {
			return "", fmt.Errorf("gateway: path %q escapes allowed roots via symlink", candidate)
		}
		return real, nil
	}
	return "", fmt.Errorf("gateway: path %q is outside all allowed roots", candidate)
}

// resolveExisting evaluates symlinks for the longest existing prefix of p,
// the same strategy sandbox.ensureWithinRoot uses for a single root: a path
// that doesn't exist yet (about to be created) is allowed through unresolved.
func resolveExisting(p string) (string, error) {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real, nil
	}
	dir := filepath.Dir(p)
	if dir == p {
		return p, nil
	}
	resolvedDir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, filepath.Base(p)), nil
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (pv *PathValidator) hasRestrictedComponent(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if _, blocked := pv.restrictedNames[part]; blocked {
			return true
		}
	}
	return false
}

// FileInfo is the per-entry metadata fs.list/fs.manifest report.
type FileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

func statEntry(root, path string, info os.FileInfo) FileInfo {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return FileInfo{
		Name:    info.Name(),
		Path:    filepath.ToSlash(rel),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
