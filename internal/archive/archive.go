// Package archive persists exported repository snapshots to durable
// object storage so a repository can be archived or merged away without
// losing its final membership roll.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores a named export and returns the storage key it was
// written under.
type Archiver interface {
	Store(ctx context.Context, repoID, filename, contentType string, body io.Reader) (string, error)
}

// S3Archiver writes exports to an S3 bucket under exports/<repo-id>/.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver creates an archiver from the default AWS credential
// chain. Static keys take precedence when both are provided.
func NewS3Archiver(ctx context.Context, bucket, region, accessKey, secretKey string) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Store uploads one export. Bodies are buffered so the SDK can compute
// the content length.
func (a *S3Archiver) Store(ctx context.Context, repoID, filename, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading export body: %w", err)
	}

	key := fmt.Sprintf("exports/%s/%s", repoID, filename)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("putting export to S3: %w", err)
	}

	log.Printf("archive: stored %s (%d bytes) in s3://%s", key, len(data), a.bucket)
	return key, nil
}

// NopArchiver discards exports. Used when no bucket is configured.
type NopArchiver struct{}

func (NopArchiver) Store(_ context.Context, repoID, filename, _ string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("exports/%s/%s", repoID, filename), nil
}
