// Package mapstore provides a minimal local MapStore: the repo-structure
// collaborator the spec treats as an external service. This implementation
// walks the filesystem directly rather than consulting a real code index,
// sufficient to exercise pins.AutoPinsFromMap end-to-end.
//
// Grounded on the teacher's own "no external service" philosophy: kilroy
// keeps all of its state local to the filesystem rather than calling out to
// a remote index, which this stub mirrors for the gateway's MapStore.
package mapstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// Version is the scc.map_version.v1 contract written to map/version.json.
type Version struct {
	Hash        string    `json:"hash"`
	MapPath     string    `json:"map_path"`
	GeneratedAt time.Time `json:"generated_at"`
	Stats       struct {
		Files int `json:"files"`
	} `json:"stats"`
	Coverage struct {
		Roots []string `json:"roots"`
	} `json:"coverage"`
}

// Local is a filesystem-backed MapStore.
type Local struct {
	RepoRoot string
}

// New builds a Local MapStore rooted at repoRoot.
func New(repoRoot string) *Local {
	return &Local{RepoRoot: repoRoot}
}

// BuildVersion walks RepoRoot (excluding .git and artifacts/) and produces a
// Version stamped with a hash over the sorted file list, suitable for
// map/version.json.
func (l *Local) BuildVersion() (Version, error) {
	var files []string
	err := filepath.WalkDir(l.RepoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(l.RepoRoot, path)
		if rerr != nil {
			return nil
		}
		if d.IsDir() {
			if rel == ".git" || rel == "artifacts" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return Version{}, err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f))
		h.Write([]byte{'\n'})
	}

	v := Version{
		Hash:        hex.EncodeToString(h.Sum(nil)),
		MapPath:     "map/version.json",
		GeneratedAt: time.Now(),
	}
	v.Stats.Files = len(files)
	v.Coverage.Roots = []string{"."}
	return v, nil
}

// AutoPins implements pins.MapStore: it infers an allowed-paths set from the
// child task's title/goal text plus any existing task.Files, scoped to
// files that exist under RepoRoot.
func (l *Local) AutoPins(req pins.MapStoreRequest) (*task.Pins, bool, error) {
	candidates := append([]string{}, req.ChildTask.Files...)
	candidates = append(candidates, pins.InferFilesFromText(req.ChildTask.Title, req.ChildTask.Goal)...)

	seen := map[string]bool{}
	var allowed []string
	for _, c := range candidates {
		clean := filepath.ToSlash(filepath.Clean(c))
		if seen[clean] || strings.HasPrefix(clean, "..") {
			continue
		}
		seen[clean] = true
		if _, err := os.Stat(filepath.Join(l.RepoRoot, clean)); err == nil {
			allowed = append(allowed, clean)
		}
	}
	if len(allowed) == 0 {
		return nil, false, nil
	}
	return &task.Pins{AllowedPaths: allowed}, true, nil
}

// LoadVersion reads map/version.json from repoRoot, if present.
func LoadVersion(repoRoot string) (Version, bool, error) {
	b, err := os.ReadFile(filepath.Join(repoRoot, "map", "version.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Version{}, false, nil
		}
		return Version{}, false, err
	}
	var v Version
	if err := json.Unmarshal(b, &v); err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}
