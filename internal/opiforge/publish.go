package opiforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReleaseClient wraps the S3 client for an S3-compatible release
// bucket (Cloudflare R2 or plain S3).
type ReleaseClient struct {
	Client     *s3.Client
	BucketName string
}

// NewReleaseClient initializes the release bucket client from
// configuration values. RELEASE_ENDPOINT_ACCOUNT selects an R2
// endpoint; without it the default AWS resolver is used.
func NewReleaseClient(cfg *Config) (*ReleaseClient, error) {
	accountID := cfg.Values["RELEASE_ENDPOINT_ACCOUNT"]
	accessKey := cfg.Values["RELEASE_ACCESS_KEY_ID"]
	secretKey := cfg.Values["RELEASE_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["RELEASE_BUCKET_NAME"]
	region := cfg.Values["RELEASE_REGION"]
	if region == "" {
		region = "auto"
	}

	if accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("release credentials missing in configuration (RELEASE_ACCESS_KEY_ID, RELEASE_SECRET_ACCESS_KEY, RELEASE_BUCKET_NAME)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion(region),
	}

	if accountID != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, opts ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
			}, nil
		})
		options = append(options, config.WithEndpointResolverWithOptions(resolver))
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load release bucket config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &ReleaseClient{Client: client, BucketName: bucketName}, nil
}

func releaseContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".sha256"), strings.HasSuffix(key, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// UploadLocalFile streams a file from disk into the bucket.
func (r *ReleaseClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(releaseContentType(key)),
	})
	return err
}

// ReleaseObject is the bucket-side metadata for one published artifact.
type ReleaseObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects under a prefix.
func (r *ReleaseClient) ListObjects(ctx context.Context, prefix string) ([]ReleaseObject, error) {
	var objects []ReleaseObject
	paginator := s3.NewListObjectsV2Paginator(r.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.BucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, ReleaseObject{Key: *obj.Key, Size: *obj.Size})
		}
	}
	return objects, nil
}

// DeleteFile removes an object from the bucket.
func (r *ReleaseClient) DeleteFile(ctx context.Context, key string) error {
	_, err := r.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// publishArtifacts returns the local release files: every compressed
// image in the output directory plus its checksum sidecar.
func publishArtifacts(outputDir string) ([]string, error) {
	var files []string
	for _, pat := range []string{"*.img.xz", "*.img.zst", "*.img.gz", "*.sha256"} {
		matches, err := filepath.Glob(filepath.Join(outputDir, pat))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// PublishImages implements the 'opiforge publish' command: upload the
// finalized image artifacts to the release bucket under an optional
// key prefix, then optionally prune older releases.
func PublishImages(ctx context.Context, cfg *Config, prefix string, prune bool) error {
	client, err := NewReleaseClient(cfg)
	if err != nil {
		return err
	}

	files, err := publishArtifacts(OutputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no release artifacts found in %s", OutputDir)
	}

	uploaded := make(map[string]bool, len(files))
	for _, file := range files {
		key := filepath.Base(file)
		if prefix != "" {
			key = strings.TrimSuffix(prefix, "/") + "/" + key
		}
		logInfo("Uploading %s", key)
		if err := client.UploadLocalFile(ctx, key, file); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		uploaded[key] = true
	}
	logInfo("Published %d artifact(s) to %s", len(uploaded), client.BucketName)

	if prune {
		remote, err := client.ListObjects(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to list release bucket: %w", err)
		}
		for _, obj := range remote {
			if uploaded[obj.Key] {
				continue
			}
			logWarn("Pruning stale release object %s", obj.Key)
			if err := client.DeleteFile(ctx, obj.Key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", obj.Key, err)
			}
		}
	}
	return nil
}
