// Package sink delivers downloaded files into a local spool directory. It is
// the parser the CLI wires into the origin.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/yarkm13/remoteorigin/internal/remote"
)

// LocalDir writes every file to Dir, keeping its path relative to the remote
// root. A file becomes visible under its final name only once complete.
type LocalDir struct {
	Dir  string
	Mode os.FileMode
}

func NewLocalDir(dir string) (*LocalDir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalDir{Dir: abs, Mode: 0644}, nil
}

// LocalPath maps entry to its destination below Dir.
func (s *LocalDir) LocalPath(entry remote.Entry) (string, error) {
	relativePath := entry.Rel
	if relativePath == "" {
		relativePath = path.Base(entry.Path)
	}
	relativePath = strings.TrimPrefix(path.Clean("/"+relativePath), "/")
	if relativePath == "" || relativePath == "." {
		return "", fmt.Errorf("no file name for %s", entry.Path)
	}
	return filepath.Join(s.Dir, filepath.FromSlash(relativePath)), nil
}

func (s *LocalDir) Parse(ctx context.Context, entry remote.Entry, reader io.Reader) error {
	localPath, err := s.LocalPath(entry)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	destFile, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		_ = destFile.Close()
		_ = os.Remove(destFile.Name())
	}()

	if _, err := io.Copy(destFile, reader); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := destFile.Chmod(s.Mode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("failed to flush file contents: %w", err)
	}
	if err := destFile.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	if err := os.Rename(destFile.Name(), localPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(localPath, entry.ModTime, entry.ModTime)
	}
	return nil
}
