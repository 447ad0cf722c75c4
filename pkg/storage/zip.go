package storage

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
)

// extractZip unpacks every entry of zipPath into destRoot, rejecting any
// entry whose cleaned path would escape destRoot (zip-slip).
func extractZip(zipPath, destRoot string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "open refined scan zip", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipEntry(f, destRoot); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destRoot string) error {
	target := filepath.Join(destRoot, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) && target != filepath.Clean(destRoot) {
		return cnerrors.New(cnerrors.LocalLogic, "zip entry escapes destination: "+f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "create zip entry parent dir", err)
	}

	rc, err := f.Open()
	if err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "open zip entry", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "create zip entry file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "write zip entry", err)
	}
	return nil
}
