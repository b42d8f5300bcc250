package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client stores and fetches JSON documents in a MinIO bucket and builds the
// public links recorded alongside them.
type Client struct {
	mc        *minio.Client
	bucket    string
	publicURL string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	PublicURL string
}

func New(ctx context.Context, opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Client{
		mc:        mc,
		bucket:    opts.Bucket,
		publicURL: strings.TrimSuffix(opts.PublicURL, "/"),
	}, nil
}

// PutJSON writes an already-canonicalized document and returns the public
// link recorded in the version row, plus the storage ETag.
func (c *Client) PutJSON(ctx context.Context, object string, document []byte) (link, etag string, err error) {
	info, err := c.mc.PutObject(ctx, c.bucket, object, bytes.NewReader(document), int64(len(document)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", "", fmt.Errorf("put object %s: %w", object, err)
	}
	return fmt.Sprintf("%s/%s/%s", c.publicURL, c.bucket, object), info.ETag, nil
}

// FetchLink resolves a stored link back to the document bytes. The bucket
// named in the link wins over the client's configured bucket.
func (c *Client) FetchLink(ctx context.Context, link string) ([]byte, error) {
	bucket, object, err := ParseLink(link)
	if err != nil {
		return nil, err
	}
	obj, err := c.mc.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", object, err)
	}
	defer obj.Close()

	document, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", object, err)
	}
	return document, nil
}

// Remove deletes an object. Used to compensate a blob write when the
// relational side of a save fails.
func (c *Client) Remove(ctx context.Context, object string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", object, err)
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.mc.BucketExists(ctx, c.bucket); err != nil {
		return fmt.Errorf("ping object storage: %w", err)
	}
	return nil
}
