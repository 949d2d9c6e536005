package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileStore implements the incoming/processed directory pair on an afero
// filesystem. There is no locking between writers: two uploads with the
// same name overwrite each other.
type FileStore struct {
	fs           afero.Fs
	incomingDir  string
	processedDir string
	processedFs  afero.Fs
}

// NewFileStore creates a FileStore and makes sure both directories exist.
func NewFileStore(fsys afero.Fs, incomingDir, processedDir string) (*FileStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	for _, dir := range []string{incomingDir, processedDir} {
		if err := fsys.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &FileStore{
		fs:           fsys,
		incomingDir:  incomingDir,
		processedDir: processedDir,
		processedFs:  afero.NewBasePathFs(fsys, processedDir),
	}, nil
}

// Fs returns the underlying filesystem.
func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// IncomingDir returns the directory holding raw uploads.
func (s *FileStore) IncomingDir() string {
	return s.incomingDir
}

// ProcessedDir returns the directory holding watermarked outputs.
func (s *FileStore) ProcessedDir() string {
	return s.processedDir
}

// Dirs returns both managed directories, incoming first.
func (s *FileStore) Dirs() []string {
	return []string{s.incomingDir, s.processedDir}
}

// IncomingPath returns where an upload named name is stored.
func (s *FileStore) IncomingPath(name string) string {
	return filepath.Join(s.incomingDir, name)
}

// ProcessedName returns the output name derived from an upload name.
func ProcessedName(name string) string {
	return ProcessedPrefix + name
}

// ProcessedPath returns where the watermarked output of an upload named
// name is stored.
func (s *FileStore) ProcessedPath(name string) string {
	return filepath.Join(s.processedDir, ProcessedName(name))
}

// SaveIncoming writes data to the incoming directory under name,
// replacing any existing file with that name.
func (s *FileStore) SaveIncoming(ctx context.Context, name string, data io.Reader) (UploadedFile, error) {
	select {
	case <-ctx.Done():
		return UploadedFile{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if !validName(name) {
		return UploadedFile{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	path := s.IncomingPath(name)
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("create incoming file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(path)
		return UploadedFile{}, fmt.Errorf("write incoming file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = s.fs.Remove(path)
		return UploadedFile{}, fmt.Errorf("close incoming file: %w", err)
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("stat incoming file: %w", err)
	}

	return UploadedFile{Name: name, Path: path, ModTime: info.ModTime()}, nil
}

// StatProcessed describes the processed file called name.
func (s *FileStore) StatProcessed(name string) (ProcessedFile, error) {
	if !validName(name) {
		return ProcessedFile{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	info, err := s.processedFs.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ProcessedFile{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return ProcessedFile{}, fmt.Errorf("stat processed file: %w", err)
	}
	if info.IsDir() {
		return ProcessedFile{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return ProcessedFile{
		Name:    name,
		Path:    filepath.Join(s.processedDir, name),
		ModTime: info.ModTime(),
	}, nil
}

// OpenProcessed opens the processed file called name for reading.
// Only a single path element is accepted, and the lookup is confined to
// the processed directory. The caller must close the returned file.
func (s *FileStore) OpenProcessed(ctx context.Context, name string) (afero.File, fs.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if _, err := s.StatProcessed(name); err != nil {
		return nil, nil, err
	}

	f, err := s.processedFs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open processed file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat processed file: %w", err)
	}

	return f, info, nil
}

// Discard removes path, ignoring files that are already gone.
func (s *FileStore) Discard(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
