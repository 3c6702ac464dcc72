// Package evidence inspects job output directories. Whether an artifact is
// valid is delegated to a Format supplied per stage.
package evidence

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Checker reports what the filesystem says about one output path.
type Checker interface {
	Check(ctx context.Context, outputPath string) models.Evidence
}

// Format validates one artifact file. A nil error means the file is usable.
type Format func(path string) error

// FileChecker looks for File inside the output directory and validates it
// with Format.
type FileChecker struct {
	File   string
	Format Format
}

// NewFileChecker returns a checker for file validated by the named format
// (nonempty, gzip or json). An empty name means nonempty.
func NewFileChecker(file, format string) (*FileChecker, error) {
	f, err := LookupFormat(format)
	if err != nil {
		return nil, err
	}
	return &FileChecker{File: file, Format: f}, nil
}

func (c *FileChecker) Check(ctx context.Context, outputPath string) models.Evidence {
	if outputPath == "" {
		return models.Evidence{Reason: "no output path"}
	}
	path := filepath.Join(outputPath, c.File)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Evidence{Reason: "missing " + c.File}
	}
	if err != nil {
		return models.Evidence{Reason: err.Error()}
	}
	if info.IsDir() {
		return models.Evidence{Exists: true, Reason: c.File + " is a directory"}
	}

	format := c.Format
	if format == nil {
		format = NonEmpty
	}
	if err := format(path); err != nil {
		return models.Evidence{Exists: true, Reason: err.Error()}
	}
	return models.Evidence{Exists: true, Valid: true}
}

var formats = map[string]Format{
	"":         NonEmpty,
	"nonempty": NonEmpty,
	"gzip":     Gzip,
	"json":     JSON,
}

// LookupFormat returns the format registered under name.
func LookupFormat(name string) (Format, error) {
	f, ok := formats[name]
	if !ok {
		return nil, &models.ValidationError{Field: "output.format",
			Reason: fmt.Sprintf("unknown format %q: must be one of nonempty, gzip, json", name)}
	}
	return f, nil
}

// NonEmpty accepts any file with at least one byte.
func NonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("empty file")
	}
	return nil
}

// Gzip accepts a complete gzip stream. Truncated archives fail on the
// trailer checksum.
func Gzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("corrupt gzip: %w", err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("corrupt gzip: %w", err)
	}
	return nil
}

// JSON accepts a file holding one well-formed JSON value.
func JSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return errors.New("malformed json")
	}
	return nil
}
