// Package objectstore reads and writes case files in an S3 bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrNotFound = errors.New("object not found")

type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner signs time-limited GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Store struct {
	api        API
	presign    Presigner
	bucket     string
	publicBase string
	ttl        time.Duration
}

// New builds a Store. publicBase, when set, is used to build unsigned URLs;
// otherwise PublicURLFor presigns.
func New(api API, presign Presigner, bucket, publicBase string) *Store {
	return &Store{
		api:        api,
		presign:    presign,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		ttl:        15 * time.Minute,
	}
}

func NewFromConfig(cfg aws.Config, bucket, publicBase string, usePathStyle bool) *Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = usePathStyle })
	return New(client, s3.NewPresignClient(client), bucket, publicBase)
}

func (s *Store) Bucket() string { return s.bucket }

// FetchByKey downloads an object with the service credentials.
func (s *Store) FetchByKey(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return b, nil
}

// PublicURLFor returns a URL an unauthenticated client can GET.
func (s *Store) PublicURLFor(ctx context.Context, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	if s.publicBase != "" {
		return s.publicBase + "/" + escapeKey(key), nil
	}
	if s.presign == nil {
		return "", fmt.Errorf("no public base url or presigner configured")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Put stores body under key with KMS server-side encryption.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(body))),
		ServerSideEncryption: types.ServerSideEncryptionAwsKms,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Save puts body under key and returns the reference to record on the
// document row.
func (s *Store) Save(ctx context.Context, key string, body []byte, contentType string) (domain.StorageRef, error) {
	if err := s.Put(ctx, key, body, contentType); err != nil {
		return domain.StorageRef{}, err
	}
	return domain.StorageRef{Key: key}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
