package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-attested-services/interfaces"
)

// S3Backend stores audit artifacts as publicly readable objects so that
// service hosts can fetch them without credentials. Publishing requires keys.
type S3Backend struct {
	client     *s3.S3
	bucketName string
	prefix     string
	region     string
	endpoint   string
	canWrite   bool
	log        *slog.Logger
}

func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	cfg := &aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	canWrite := accessKey != "" && secretKey != ""
	if canWrite {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		cfg.Credentials = credentials.AnonymousCredentials
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		region:     region,
		endpoint:   endpoint,
		canWrite:   canWrite,
		log:        log,
	}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(id, contentType)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched content from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.canWrite {
		return id, fmt.Errorf("s3 backend %s has no write credentials", b.bucketName)
	}

	key := b.objectKey(id, contentType)
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    aws.String(s3.ObjectCannedACLPublicRead),
	})
	if err != nil {
		return id, fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored content in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.String("contentID", id.String()))

	return id, nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI never includes credentials.
func (b *S3Backend) LocationURI() string {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", b.bucketName, b.prefix, b.region)
	if b.endpoint != "" {
		uri += "&endpoint=" + b.endpoint
	}
	return uri
}

func (b *S3Backend) objectKey(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.prefix, contentType.String(), id.String())
}
