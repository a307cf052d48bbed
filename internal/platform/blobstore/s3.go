package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ehr/docvault/internal/errs"
)

const (
	s3MetaName      = "docvault-name"
	s3MetaCreatedAt = "docvault-created-at"
)

// s3API is the subset of *s3.Client the store uses. The multipart calls
// come from manager.UploadAPIClient.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3StoreConfig configures an S3BlobStore.
type S3StoreConfig struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible services
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3BlobStore is a ContentStore backed by an S3 bucket. Objects are keyed
// by Prefix + pointer.
type S3BlobStore struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3BlobStore builds an S3 client from cfg. Static credentials are used
// when provided, otherwise the default AWS credential chain applies.
func NewS3BlobStore(ctx context.Context, cfg S3StoreConfig) (*S3BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsConf, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3BlobStore(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3BlobStore(client s3API, bucket, prefix string) *S3BlobStore {
	// Ciphertexts above the part size go up as multipart uploads.
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 << 20
	})
	return &S3BlobStore{client: client, uploader: uploader, bucket: bucket, prefix: prefix}
}

func (s *S3BlobStore) key(pointer string) string {
	return s.prefix + pointer
}

func (s *S3BlobStore) Put(ctx context.Context, data []byte, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidInput, ErrMissingBlobName)
	}
	pointer := PointerFor(data)

	// Content addressing makes an existing object identical; skip the write.
	if _, err := s.Stat(ctx, pointer); err == nil {
		return pointer, nil
	} else if !errors.Is(err, errs.ErrBlobNotFound) {
		return "", err
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(pointer)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			s3MetaName:      name,
			s3MetaCreatedAt: strconv.FormatInt(time.Now().UTC().Unix(), 10),
		},
	})
	if err != nil {
		return "", s3Error("put", pointer, err)
	}
	return pointer, nil
}

func (s *S3BlobStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(pointer)),
	})
	if err != nil {
		return nil, s3Error("get", pointer, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s3Error("read", pointer, err)
	}
	return data, nil
}

func (s *S3BlobStore) Stat(ctx context.Context, pointer string) (*BlobInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(pointer)),
	})
	if err != nil {
		return nil, s3Error("head", pointer, err)
	}

	info := &BlobInfo{Pointer: pointer, Name: out.Metadata[s3MetaName]}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if secs, err := strconv.ParseInt(out.Metadata[s3MetaCreatedAt], 10, 64); err == nil {
		info.CreatedAt = time.Unix(secs, 0).UTC()
	} else if out.LastModified != nil {
		info.CreatedAt = out.LastModified.UTC()
	}
	return info, nil
}

// s3Error maps SDK errors onto the shared taxonomy.
func s3Error(op, pointer string, err error) error {
	var noKey *s3Types.NoSuchKey
	var notFoundErr *s3Types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFoundErr) {
		return notFound(pointer)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return notFound(pointer)
		}
	}
	return fmt.Errorf("%w: s3 %s %s: %w", errs.ErrStorage, op, pointer, err)
}
