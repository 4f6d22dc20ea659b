// Package archive stores integrity verification reports in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// objectPutter is the slice of *s3.Client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archive struct {
	bucket string
	s3     objectPutter
	now    func() time.Time
}

// NewS3Archive builds an archive from static or default AWS credentials. A
// custom endpoint (MinIO, localstack) switches to path-style addressing.
func NewS3Archive(ctx context.Context, cfg S3Config) (*Archive, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newArchive(cfg.Bucket, client), nil
}

func newArchive(bucket string, client objectPutter) *Archive {
	return &Archive{bucket: bucket, s3: client, now: time.Now}
}

// ReportKey names the object for a verification run over [from, to].
func ReportKey(from, to, generatedAt time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("integrity-reports/%s/%s_%s_%s.json",
		generatedAt.UTC().Format("2006/01/02"),
		from.UTC().Format(layout), to.UTC().Format(layout), generatedAt.UTC().Format(layout))
}

// PutReport uploads report as JSON and returns the object key.
func (a *Archive) PutReport(ctx context.Context, from, to time.Time, report any) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	key := ReportKey(from, to, a.now())
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		ACL:           types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload report to s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
