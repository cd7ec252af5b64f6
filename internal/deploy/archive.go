package deploy

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harborpos/edgenode/internal/errors"
)

// extractTarGz unpacks a downloaded package archive into targetDir.
func extractTarGz(archivePath, targetDir string) error {
	inFile, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(errors.ErrCorruptedArchive, "failed to open archive", err)
	}
	defer inFile.Close()

	gzr, err := gzip.NewReader(inFile)
	if err != nil {
		return errors.Wrap(errors.ErrCorruptedArchive, "failed to read gzip stream", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(errors.ErrCorruptedArchive, "failed to read archive entry", err)
		}

		targetPath := filepath.Join(targetDir, header.Name)

		// Entries must stay inside the package directory.
		if !strings.HasPrefix(targetPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return errors.New(errors.ErrCorruptedArchive,
				fmt.Sprintf("archive entry escapes package directory: %s", header.Name))
		}

		if header.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return err
		}

		if _, err := io.Copy(outFile, tr); err != nil {
			outFile.Close()
			return err
		}
		outFile.Close()
	}

	return nil
}
