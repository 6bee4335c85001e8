package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "gocloud.dev/blob/fileblob" // local filesystem driver

	"github.com/withObsrvr/listings-etl/internal/errkind"
)

// fileURL treats Bucket as a directory on the local filesystem.
func fileURL(cfg Config) (string, error) {
	abs, err := filepath.Abs(cfg.Bucket)
	if err != nil {
		return "", fmt.Errorf("resolve local path %s: %w", cfg.Bucket, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("invalid local path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("local path %s is not a directory", abs)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// LocalArtifact describes a file already on disk, for runs that start from
// a previously fetched copy instead of the bucket.
func LocalArtifact(path string) (*Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errkind.New(errkind.NotFound, "local artifact", err)
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.NotFound, "local artifact", err)
		}
		return nil, errkind.New(errkind.AccessDenied, "local artifact", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, "local artifact", err)
	}
	if info.IsDir() {
		return nil, errkind.Newf(errkind.NotFound, "local artifact", "%s is a directory", abs)
	}

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, "local artifact", err)
	}

	return &Artifact{
		Path:     abs,
		Size:     n,
		Checksum: "sha256:" + hex.EncodeToString(hash.Sum(nil)),
		ModTime:  info.ModTime(),
		Location: Location{
			Scheme: "file",
			Bucket: filepath.ToSlash(filepath.Dir(abs)),
			Key:    filepath.Base(abs),
		},
		FetchedAt: time.Now().UTC(),
	}, nil
}
