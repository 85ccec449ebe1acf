// Package snapshot implements C4: capturing a pre-run file snapshot,
// diffing it after the fact, and validating a patch's touched files stay
// within the task's declared scope.
//
// Grounded on internal/attractor/runstate/snapshot.go (the teacher's own
// pre/post file snapshot for node re-execution) and gitutil.DiffNameOnly for
// touched-file enumeration — adapted here to a content-hash diff rather than
// a git-tree diff, since the gateway's scope is a single working tree, not a
// git worktree per node.
package snapshot

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

const (
	maxCandidateFiles = 64
	maxHashBytes      = 1 << 20 // 1 MiB per file for hashing

	maxFullFiles     = 3
	maxFullFileBytes = 120 * 1024
	maxFullTotalBytes = 200 * 1024
)

var virtualPathRe = regexp.MustCompile(`^\d{2,6}/`)

func isVirtual(p string) bool {
	if virtualPathRe.MatchString(p) {
		return true
	}
	if strings.Contains(p, "://") {
		return true
	}
	if strings.HasPrefix(p, "artifacts/") {
		return true
	}
	return false
}

func candidatePaths(t *task.Task, p *task.Pins) []string {
	seen := map[string]bool{}
	var out []string
	add := func(list []string) {
		for _, raw := range list {
			if len(out) >= maxCandidateFiles {
				return
			}
			clean := filepath.Clean(raw)
			if isVirtual(clean) || seen[clean] {
				continue
			}
			seen[clean] = true
			out = append(out, clean)
		}
	}
	if p != nil {
		add(p.AllowedPaths)
	}
	add(t.Files)
	return out
}

// CapturePreSnapshot enumerates pins.AllowedPaths ∪ task.Files (filtering
// virtual/scheme/artifacts paths, capped at 64 entries) and records
// existence/size/sha256 for each under repoRoot. It returns the entries plus
// a "full content" subset (path -> base64) eligible for Auto-Rollback when
// the subset is small enough.
func CapturePreSnapshot(repoRoot string, t *task.Task, p *task.Pins) ([]task.SnapshotEntry, map[string]string, error) {
	paths := candidatePaths(t, p)
	entries := make([]task.SnapshotEntry, 0, len(paths))
	full := map[string]string{}
	fullTotal := 0

	for _, rel := range paths {
		abs := filepath.Join(repoRoot, rel)
		fi, err := os.Stat(abs)
		if err != nil {
			entries = append(entries, task.SnapshotEntry{Path: rel, Exists: false})
			continue
		}
		if fi.IsDir() {
			continue
		}
		sum, herr := hashFile(abs, maxHashBytes)
		if herr != nil {
			return nil, nil, gwerr.Wrap(gwerr.CodeException, herr, "snapshot: hash %s", rel)
		}
		entries = append(entries, task.SnapshotEntry{Path: rel, Exists: true, Size: fi.Size(), SHA256: sum})

		if len(full) < maxFullFiles && fi.Size() <= maxFullFileBytes && fullTotal+int(fi.Size()) <= maxFullTotalBytes {
			b, rerr := os.ReadFile(abs)
			if rerr == nil {
				full[rel] = base64.StdEncoding.EncodeToString(b)
				fullTotal += len(b)
			}
		}
	}
	return entries, full, nil
}

// DiffSnapshot re-scans repoRoot and returns the subset of pre whose
// existence flipped or whose content (sha256, or size when over the hash
// cap) changed.
func DiffSnapshot(repoRoot string, pre []task.SnapshotEntry) ([]task.SnapshotEntry, error) {
	var touched []task.SnapshotEntry
	for _, e := range pre {
		abs := filepath.Join(repoRoot, e.Path)
		fi, err := os.Stat(abs)
		existsNow := err == nil && !fi.IsDir()
		if existsNow != e.Exists {
			touched = append(touched, snapshotNow(e.Path, abs, existsNow))
			continue
		}
		if !existsNow {
			continue
		}
		sum, herr := hashFile(abs, maxHashBytes)
		if herr != nil {
			return nil, gwerr.Wrap(gwerr.CodeException, herr, "snapshot: diff hash %s", e.Path)
		}
		if sum != e.SHA256 || fi.Size() != e.Size {
			touched = append(touched, task.SnapshotEntry{Path: e.Path, Exists: true, Size: fi.Size(), SHA256: sum})
		}
	}
	return touched, nil
}

func snapshotNow(rel, abs string, exists bool) task.SnapshotEntry {
	if !exists {
		return task.SnapshotEntry{Path: rel, Exists: false}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return task.SnapshotEntry{Path: rel, Exists: false}
	}
	sum, _ := hashFile(abs, maxHashBytes)
	return task.SnapshotEntry{Path: rel, Exists: true, Size: fi.Size(), SHA256: sum}
}

func hashFile(abs string, capBytes int64) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyN(h, f, capBytes); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ScopeViolation is one ordered ValidatePatchScope error.
type ScopeViolation struct {
	Code gwerr.Code `json:"code"`
	Path string     `json:"path,omitempty"`
}

// ValidatePatchScope checks every touched file against pins and rolePolicy,
// then the task's max_files/max_loc caps, returning errors in the order they
// were detected.
func ValidatePatchScope(touched []string, stats *task.PatchStats, p *task.Pins, rolePolicy *pins.RolePolicy) []ScopeViolation {
	var errs []ScopeViolation

	for _, path := range touched {
		clean := filepath.ToSlash(filepath.Clean(path))
		if p != nil {
			if matchesForbidden(p.ForbiddenPaths, clean) {
				errs = append(errs, ScopeViolation{Code: gwerr.CodeForbiddenPaths, Path: clean})
				continue
			}
			if !underAllowed(p.AllowedPaths, clean) {
				errs = append(errs, ScopeViolation{Code: gwerr.CodeOutsideAllowPaths, Path: clean})
				continue
			}
		}
		if rolePolicy != nil {
			if globMatch(rolePolicy.WriteDenyGlobs, clean) {
				errs = append(errs, ScopeViolation{Code: gwerr.CodeRoleWriteDenyPaths, Path: clean})
				continue
			}
			if len(rolePolicy.WriteAllowGlobs) > 0 && !globMatch(rolePolicy.WriteAllowGlobs, clean) {
				errs = append(errs, ScopeViolation{Code: gwerr.CodeRoleWriteAllowPaths, Path: clean})
			}
		}
	}

	if p != nil && p.MaxFiles > 0 && stats != nil && len(stats.Files) > p.MaxFiles {
		errs = append(errs, ScopeViolation{Code: gwerr.CodeMaxFilesExceeded})
	}
	if p != nil && p.MaxLOC > 0 && stats != nil && stats.Added+stats.Removed > p.MaxLOC {
		errs = append(errs, ScopeViolation{Code: gwerr.CodeMaxLOCExceeded})
	}
	return errs
}

func underAllowed(allowed []string, p string) bool {
	for _, a := range allowed {
		a = filepath.ToSlash(filepath.Clean(a))
		if p == a || strings.HasPrefix(p, a+"/") {
			return true
		}
		if ok, _ := doublestar.Match(a, p); ok {
			return true
		}
	}
	return false
}

func matchesForbidden(forbidden []string, p string) bool {
	return globMatch(forbidden, p)
}

func globMatch(globs []string, p string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
		g2 := filepath.ToSlash(filepath.Clean(g))
		if p == g2 || strings.HasPrefix(p, g2+"/") {
			return true
		}
	}
	return false
}
