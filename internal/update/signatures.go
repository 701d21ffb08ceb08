package update

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// ComputeSignatures walks root and returns a map of slash-separated relative
// paths to sha256 hex digests. The walk is lexically ordered, .git is skipped,
// and only regular files contribute. Two identical trees always produce equal
// maps, which is what the signature-diff update relies on.
func ComputeSignatures(root string) (map[string]string, error) {
	sigs := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		sigs[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryFileSystem, "signature walk failed").
			WithContext("root", root).Build()
	}
	return sigs, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the walked tree
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
