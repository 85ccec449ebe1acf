package store

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
)

// BlobCAS is a content-addressed blob store layered on Store. Grounded on
// the teacher's CXDBSink blob CAS (internal/attractor/engine/cxdb_sink.go),
// which fingerprints large artifacts with blake3 before writing each one
// once into a content-addressed blob area. Here it backs gate-log
// persistence: a flaky command that fails the same way repeatedly produces
// byte-identical stdout/stderr across attempts, so storing the bytes once
// and hardlinking every run's expected log path into the blob avoids
// re-writing (and re-counting disk for) duplicate content. The per-run log
// path the spec names (ci_gate/ci_<ts>_<rand>.{stdout,stderr}.log) is kept
// exactly as specified; only the bytes behind it are deduplicated.
type BlobCAS struct {
	st *Store
}

// NewBlobCAS builds a BlobCAS rooted at the same store as st.
func NewBlobCAS(st *Store) *BlobCAS {
	return &BlobCAS{st: st}
}

// PutLinked content-addresses data under blobs/<digest[:2]>/<digest>.bin,
// writing it only if absent, then makes linkRel resolve to that content (a
// hardlink when possible, falling back to a plain copy across filesystems
// or when the target already exists with different content). Returns the
// blake3 digest (hex) of data.
func (c *BlobCAS) PutLinked(data []byte, linkRel string) (digest string, err error) {
	sum := blake3.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	blobRel := filepath.Join("blobs", digest[:2], digest+".bin")

	blobPath, err := c.st.resolve(blobRel)
	if err != nil {
		return "", err
	}
	linkPath, err := c.st.resolve(linkRel)
	if err != nil {
		return "", err
	}

	lock := c.st.lockFor(blobPath)
	lock.Lock()
	if _, statErr := os.Stat(blobPath); statErr != nil {
		if err := atomicWrite(blobPath, data); err != nil {
			lock.Unlock()
			return "", err
		}
	}
	lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return "", gwerr.Wrap(gwerr.CodeException, err, "blobcas: mkdir %s", filepath.Dir(linkPath))
	}
	os.Remove(linkPath)
	if err := os.Link(blobPath, linkPath); err != nil {
		// Cross-device or unsupported link; fall back to a plain copy so the
		// caller's expected path still has the right content.
		if werr := atomicWrite(linkPath, data); werr != nil {
			return "", werr
		}
	}
	return digest, nil
}
