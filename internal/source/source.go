// Package source fetches the dataset snapshot from blob storage into the
// run's local workspace.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/storage"
)

// Location identifies exactly one remote object.
type Location struct {
	Scheme string // "s3" | "gs" | "file" | "mem"
	Bucket string
	Key    string
}

// URI renders the location, e.g. s3://dbtlearn/listings.csv.
func (l Location) URI() string {
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// Artifact is a byte-identical local copy of a remote object.
type Artifact struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	ETag      string    `json:"etag,omitempty"`
	ModTime   time.Time `json:"mod_time"`
	Location  Location  `json:"location"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Config selects and parameterizes the storage backend.
type Config struct {
	Backend   string // "s3" | "gcs" | "file"
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint for MinIO/R2/B2
	Anonymous bool
	Profile   string
}

var ErrInvalidBackend = errors.New("invalid source backend")

// OpenBucket opens the configured bucket through gocloud.dev.
func OpenBucket(ctx context.Context, cfg Config) (*blob.Bucket, Location, error) {
	var (
		bucketURL string
		scheme    string
	)
	switch cfg.Backend {
	case "s3":
		bucketURL, scheme = s3URL(cfg), "s3"
	case "gcs":
		bucketURL, scheme = gcsURL(cfg), "gs"
	case "file":
		u, err := fileURL(cfg)
		if err != nil {
			return nil, Location{}, err
		}
		bucketURL, scheme = u, "file"
	default:
		return nil, Location{}, fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, Location{}, fmt.Errorf("open %s bucket %s: %w", cfg.Backend, cfg.Bucket, err)
	}
	return bucket, Location{Scheme: scheme, Bucket: cfg.Bucket}, nil
}

// Fetcher downloads objects from one bucket.
type Fetcher struct {
	bucket *blob.Bucket
	log    *slog.Logger
}

// NewFetcher wraps an open bucket. The caller keeps ownership of the bucket.
func NewFetcher(bucket *blob.Bucket) *Fetcher {
	return &Fetcher{
		bucket: bucket,
		log:    slog.With("component", "source"),
	}
}

// Fetch copies loc into destDir under the key's base name, replacing any
// previous file there. The file only appears once it is complete.
func (f *Fetcher) Fetch(ctx context.Context, loc Location, destDir string) (*Artifact, error) {
	if loc.Key == "" {
		return nil, errkind.Newf(errkind.NotFound, "fetch", "empty object key")
	}
	if err := ctx.Err(); err != nil {
		return nil, errkind.FromContext("fetch", err)
	}

	attrs, err := f.bucket.Attributes(ctx, loc.Key)
	if err != nil {
		return nil, classify("stat "+loc.URI(), err)
	}

	reader, err := f.bucket.NewReader(ctx, loc.Key, nil)
	if err != nil {
		return nil, classify("open "+loc.URI(), err)
	}
	defer reader.Close()

	name := path.Base(loc.Key)
	if name == "." || name == ".." || name == "/" {
		return nil, errkind.Newf(errkind.NotFound, "fetch", "key %q does not name an object", loc.Key)
	}
	dest := filepath.Join(destDir, name)
	f.log.Debug("downloading object", "uri", loc.URI(), "size", attrs.Size, "dest", dest)

	var readErr error
	res, err := storage.WriteFileAtomic(dest, func(w io.Writer) error {
		if _, err := io.Copy(w, reader); err != nil {
			readErr = err
			return err
		}
		return nil
	})
	if err != nil {
		if readErr != nil {
			return nil, classify("read "+loc.URI(), readErr)
		}
		return nil, errkind.New(errkind.LocalWriteError, "fetch", err)
	}

	if attrs.Size >= 0 && res.Size != attrs.Size {
		return nil, errkind.Newf(errkind.TransientIO, "fetch",
			"short read of %s: got %d bytes, object has %d", loc.URI(), res.Size, attrs.Size)
	}

	f.log.Info("fetched object", "uri", loc.URI(), "bytes", res.Size, "checksum", res.Checksum)

	return &Artifact{
		Path:      res.Path,
		Size:      res.Size,
		Checksum:  res.Checksum,
		ETag:      attrs.ETag,
		ModTime:   attrs.ModTime,
		Location:  loc,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// classify maps a transport error onto the fetch error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errkind.FromContext(op, err)
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return errkind.New(errkind.NotFound, op, err)
	case gcerrors.PermissionDenied:
		return errkind.New(errkind.AccessDenied, op, err)
	case gcerrors.Canceled:
		return errkind.FromContext(op, err)
	default:
		return errkind.New(errkind.TransientIO, op, err)
	}
}
