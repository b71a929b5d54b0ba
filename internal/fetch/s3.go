package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gftdcojp/dataset-tiered-cache/pkg/s3util"
)

// S3Transport fetches s3://bucket/key locators through an S3-compatible
// endpoint (AWS S3, MinIO, Cloudflare R2).
type S3Transport struct {
	client *s3util.Client
}

func NewS3Transport(client *s3util.Client) *S3Transport {
	return &S3Transport{client: client}
}

func (t *S3Transport) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	bucket, key, err := splitS3Locator(locator)
	if err != nil {
		return nil, 0, err
	}

	out, err := t.client.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 get %s: %w", locator, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func splitS3Locator(locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 locator: %s", locator)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 locator: %s", locator)
	}
	return bucket, key, nil
}
