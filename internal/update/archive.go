package update

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// byteBudget caps the total uncompressed bytes drawn from an archive. Entry
// headers can lie about their size, so the cap is enforced on actual bytes
// read, not on declared sizes.
type byteBudget struct {
	remaining int64
	unlimited bool
}

func newByteBudget(maxBytes int64) *byteBudget {
	return &byteBudget{remaining: maxBytes, unlimited: maxBytes <= 0}
}

// reader bounds r to one byte past the remaining budget so an overrun is
// observable by charge without reading the rest of a decompression bomb.
func (b *byteBudget) reader(r io.Reader) io.Reader {
	if b.unlimited {
		return r
	}
	return io.LimitReader(r, b.remaining+1)
}

func (b *byteBudget) charge(n int64) error {
	if b.unlimited {
		return nil
	}
	b.remaining -= n
	if b.remaining < 0 {
		return derrors.ValidationError("archive exceeds size limit").Build()
	}
	return nil
}

// patchFromArchive applies a zip archive to dir, writing only entries whose
// sha256 differs from the stored signature map. Returns the written paths, the
// count of unchanged entries, and the signature map after the patch.
func patchFromArchive(ctx context.Context, dir, archivePath string, current map[string]string, maxBytes int64) ([]string, int, map[string]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, 0, nil, derrors.WrapError(err, derrors.CategoryUpdate, "archive is not a readable zip").Build()
	}
	defer reader.Close()

	if maxBytes > 0 {
		var total int64
		for _, f := range reader.File {
			total += int64(f.UncompressedSize64) // #nosec G115 - bounded by maxBytes check
		}
		if total > maxBytes {
			return nil, 0, nil, derrors.ValidationError("archive exceeds size limit").
				WithContext("bytes", total).
				WithContext("limit", maxBytes).Build()
		}
	}

	sigs := make(map[string]string, len(current))
	for k, v := range current {
		sigs[k] = v
	}

	budget := newByteBudget(maxBytes)
	var written []string
	skipped := 0
	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, err
		}
		if entry.FileInfo().IsDir() {
			continue
		}

		rel, err := safeRelPath(entry.Name)
		if err != nil {
			return nil, 0, nil, err
		}

		digest, size, err := hashEntry(entry, budget)
		if err != nil {
			return nil, 0, nil, err
		}
		if stored, ok := sigs[rel]; ok && stored == digest {
			skipped++
			continue
		}

		if err := writeEntry(entry, filepath.Join(dir, filepath.FromSlash(rel)), size); err != nil {
			return nil, 0, nil, err
		}
		sigs[rel] = digest
		written = append(written, rel)
	}
	return written, skipped, sigs, nil
}

// safeRelPath normalizes an archive entry name and rejects paths that would
// escape the daemon directory.
func safeRelPath(name string) (string, error) {
	rel := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(name, "/")))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", derrors.ValidationError("archive entry escapes target directory").
			WithContext("entry", name).Build()
	}
	return rel, nil
}

// hashEntry digests an entry's actual content, drawing the bytes from the
// shared budget. Returns the digest and the verified uncompressed size.
func hashEntry(entry *zip.File, budget *byteBudget) (string, int64, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", 0, integrityError(entry.Name, err)
	}
	defer rc.Close()

	h := sha256.New()
	n, err := io.Copy(h, budget.reader(rc))
	if err != nil {
		return "", 0, integrityError(entry.Name, err)
	}
	if err := budget.charge(n); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeEntry copies an entry to dest, bounded by the size hashEntry verified
// so a lying header cannot expand past the budget on the second read.
func writeEntry(entry *zip.File, dest string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return derrors.WrapError(err, derrors.CategoryFileSystem, "create parent directory").
			WithContext("path", dest).Build()
	}
	rc, err := entry.Open()
	if err != nil {
		return integrityError(entry.Name, err)
	}
	defer rc.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) // #nosec G304 - dest validated by safeRelPath
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryFileSystem, "open destination file").
			WithContext("path", dest).Build()
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(rc, size)); err != nil { // #nosec G110 - bounded by verified size
		return derrors.WrapError(err, derrors.CategoryFileSystem, "write destination file").
			WithContext("path", dest).Build()
	}
	return nil
}

func integrityError(entry string, err error) error {
	return derrors.WrapError(err, derrors.CategoryUpdate, "archive entry unreadable").
		WithContext("entry", entry).Build()
}
