package source

import (
	"fmt"
	"net/url"

	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// s3URL builds the gocloud.dev URL for S3-compatible storage.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
//
// For AWS: s3://bucket-name?region=us-east-1
// For custom endpoint: s3://bucket-name?endpoint=https://...&region=..&s3ForcePathStyle=true
// Public objects: s3://dbtlearn?region=eu-west-1&anonymous=true
func s3URL(cfg Config) string {
	bucketURL := fmt.Sprintf("s3://%s", cfg.Bucket)

	params := url.Values{}
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		// For custom endpoints, we often need to disable host-style addressing
		params.Set("s3ForcePathStyle", "true")
	}
	if cfg.Anonymous {
		params.Set("anonymous", "true")
	} else if cfg.Profile != "" {
		params.Set("profile", cfg.Profile)
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
