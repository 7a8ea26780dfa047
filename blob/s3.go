package blob

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps objects in one bucket. A prefix move is a copy and delete per
// object; since every moved object disappears from src, rerunning a partial
// move only handles the objects that remain.
type S3Store struct {
	client S3API
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates a store over an existing client
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// NewS3StoreFromConfig builds the client from the default credential chain
func NewS3StoreFromConfig(ctx context.Context, cfg am.StorageConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg.S3Bucket), nil
}

func key(p string) string {
	return strings.TrimPrefix(clean(p), "/")
}

// prefixKey turns a prefix into a key prefix that only matches whole path segments
func prefixKey(p string) string {
	k := key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

// Write uploads an object
func (s *S3Store) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(p)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return writeErr(err, "failed to put s3://%s/%s", s.bucket, key(p))
	}
	return nil
}

// Read downloads an object
func (s *S3Store) Read(ctx context.Context, p string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(p)),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, errors.NewNotFoundError("blob %s", p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get s3://%s/%s", s.bucket, key(p))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read s3://%s/%s", s.bucket, key(p))
	}
	return data, nil
}

// Move copies every object under src to dst and deletes the original
func (s *S3Store) Move(ctx context.Context, src, dst string) error {
	keys, err := s.listKeys(ctx, prefixKey(src))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		moved, err := s.listKeys(ctx, prefixKey(dst))
		if err != nil {
			return err
		}
		if len(moved) > 0 {
			return nil
		}
		return errors.NewNotFoundError("blob prefix %s", src)
	}

	srcPrefix, dstPrefix := prefixKey(src), prefixKey(dst)
	for _, k := range keys {
		target := dstPrefix + strings.TrimPrefix(k, srcPrefix)
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			CopySource: aws.String(s.bucket + "/" + k),
			Key:        aws.String(target),
		})
		if err != nil {
			return writeErr(err, "failed to copy %s to %s", k, target)
		}
		if err := s.deleteKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an object and every object under it as a prefix
func (s *S3Store) Delete(ctx context.Context, p string) error {
	if err := s.deleteKey(ctx, key(p)); err != nil {
		return err
	}
	keys, err := s.listKeys(ctx, prefixKey(p))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.deleteKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// List returns the keys under prefix
func (s *S3Store) List(ctx context.Context, p string) ([]string, error) {
	return s.listKeys(ctx, prefixKey(p))
}

func (s *S3Store) deleteKey(ctx context.Context, k string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return writeErr(err, "failed to delete s3://%s/%s", s.bucket, k)
	}
	return nil
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list s3://%s/%s", s.bucket, prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
