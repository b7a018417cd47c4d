package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"zw-go/internal/config"
	"zw-go/internal/witness"
)

// S3Archive stores archives in an S3 bucket under a key prefix. Credentials
// come from the default AWS chain (environment, shared config, IAM role).
type S3Archive struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archive creates an archive backed by the configured S3 bucket.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 archive requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	prefix := cfg.S3Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archive{
		name:     cfg.Name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   prefix,
	}, nil
}

func (a *S3Archive) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + name),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading archive %s: %w", name, err)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, name string, w io.Writer) error {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + name),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("archive not found: %s", name)
		}
		return fmt.Errorf("downloading archive %s: %w", name, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading archive %s: %w", name, err)
	}
	return nil
}

func (a *S3Archive) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing archives: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(*obj.Key, a.prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies the bucket is reachable with the current credentials.
func (a *S3Archive) ValidateSetup(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

var _ witness.Archive = (*S3Archive)(nil)
