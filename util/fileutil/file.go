// Package fileutil wraps the afs virtual filesystem so graph and tensor
// files can be read from local paths or object-store URLs alike.
package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
)

var fileSystem = afs.New()

// ReadFileBytes reads the whole file at filename, which may be a plain path
// or any URL scheme afs understands.
func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	if _, readErr := io.Copy(buf, file); readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

// FileExists reports whether filename exists.
func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// NewFileWriter opens filename for writing, replacing any existing file.
func NewFileWriter(filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(context.Background(), filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}

// PathJoinSafe joins path components, preserving the double slash of URL
// schemes like s3:// which filepath.Join would collapse.
func PathJoinSafe(elem ...string) string {
	if strings.Contains(elem[0], "://") {
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.Join(elem[1:]...)
	}
	return filepath.Join(elem...)
}
