package fileutil

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	outBytes, readErr := io.ReadAll(file)
	if readErr != nil {
		return nil, readErr
	}
	return outBytes, err
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// ReadLine returns a single line (without the ending \n) from the buffered reader,
// without the 64K line limit of bufio.Scanner.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe joins path elements. OS paths go through filepath.Join; S3 paths are joined
// manually so that the double slash of the scheme survives.
func PathJoinSafe(elem ...string) string {
	if len(elem) == 0 {
		return ""
	}
	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		return filepath.Join(elem...)
	}
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func CreateDir(dirName string) error {
	return fileSystem.Create(context.Background(), dirName, os.ModePerm, true)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// FileStats returns the storage object for a local or remote path.
func FileStats(filename string) (storage.Object, error) {
	return fileSystem.Object(context.Background(), filename)
}

func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := fileSystem.Exists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}

// DeletePath removes a file or a folder with its content. A missing path is not an error.
func DeletePath(ctx context.Context, path string) error {
	exists, err := fileSystem.Exists(ctx, path)
	if err != nil || !exists {
		return err
	}
	return fileSystem.Delete(ctx, path)
}

// MoveDir moves a file or folder. Local moves are a single rename.
func MoveDir(ctx context.Context, from string, to string) error {
	if GetPathType(from) == "os" && GetPathType(to) == "os" {
		return os.Rename(from, to)
	}
	return fileSystem.Move(ctx, from, to)
}
