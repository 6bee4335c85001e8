package source

import (
	"fmt"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// gcsURL builds the gocloud.dev URL for Google Cloud Storage. Without
// anonymous access the driver uses Application Default Credentials.
func gcsURL(cfg Config) string {
	if cfg.Anonymous {
		return fmt.Sprintf("gs://%s?anonymous=true", cfg.Bucket)
	}
	return fmt.Sprintf("gs://%s", cfg.Bucket)
}
