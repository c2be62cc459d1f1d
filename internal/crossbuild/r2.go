package crossbuild

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"zombiezen.com/go/log"
)

// R2Client wraps the S3 client for Cloudflare R2.
type R2Client struct {
	Client     *s3.Client
	BucketName string
}

// NewR2Client initializes a new R2 client using configuration values.
// R2_ENDPOINT, when set, replaces the account endpoint so any
// S3-compatible store can be used.
func NewR2Client(ctx context.Context, cfg *Config) (*R2Client, error) {
	accountID := cfg.Values["R2_ACCOUNT_ID"]
	accessKey := cfg.Values["R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["R2_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["R2_BUCKET_NAME"]
	endpoint := cfg.Values["R2_ENDPOINT"]

	if endpoint == "" && accountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}
	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("R2 credentials missing in configuration (R2_ACCOUNT_ID or R2_ENDPOINT, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
		// R2 rejects some of the SDK's default integrity checksums.
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if cfg.Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// UploadLocalFile uploads a file from disk to R2.
func (r *R2Client) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".zst"):
		contentType = "application/zstd"
	case strings.HasSuffix(key, ".gz"):
		contentType = "application/gzip"
	}

	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// ListObjects returns the snapshots in the bucket whose object names start
// with prefix.
func (r *R2Client) ListObjects(ctx context.Context, prefix string) ([]Snapshot, error) {
	var objects []Snapshot
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
			name := aws.ToString(obj.Key)
			key, ok := parseSnapshotName(name)
			if !ok {
				continue
			}
			objects = append(objects, Snapshot{
				Key:     key,
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// R2Store is a [CacheStore] backed by an R2 bucket.
type R2Store struct {
	Client      *R2Client
	Compression string
	TempDir     string // staging directory for uploads; defaults to os.TempDir()
}

// List implements [SnapshotLister].
func (s *R2Store) List(ctx context.Context) ([]Snapshot, error) {
	return s.Client.ListObjects(ctx, "")
}

// Restore implements [CacheStore].
func (s *R2Store) Restore(ctx context.Context, paths []string, key CacheKey) (string, error) {
	seen := make(map[string]bool)
	var snaps []Snapshot
	for _, prefix := range append([]string{key.Primary}, key.RestorePrefixes...) {
		objs, err := s.Client.ListObjects(ctx, escapeKey(prefix))
		if err != nil {
			return "", fmt.Errorf("restore cache: list %s: %w", prefix, err)
		}
		for _, o := range objs {
			if !seen[o.Name] {
				seen[o.Name] = true
				snaps = append(snaps, o)
			}
		}
	}
	snap, ok := selectSnapshot(snaps, key)
	if !ok {
		return "", nil
	}
	compression, err := compressionForName(snap.Name)
	if err != nil {
		return "", err
	}

	log.Debugf(ctx, "Fetching %s (%s) from bucket %s", snap.Name, humanReadableSize(snap.Size), s.Client.BucketName)
	output, err := s.Client.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Client.BucketName),
		Key:    aws.String(snap.Name),
	})
	if err != nil {
		return "", fmt.Errorf("restore cache %s: %w", snap.Key, err)
	}
	defer output.Body.Close()
	if err := readSnapshot(ctx, output.Body, compression, "/"); err != nil {
		return "", fmt.Errorf("restore cache %s: %w", snap.Key, err)
	}
	return snap.Key, nil
}

// Save implements [CacheStore].
func (s *R2Store) Save(ctx context.Context, paths []string, key string) error {
	tmp, err := os.CreateTemp(s.TempDir, "crossbuild-cache-*")
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := writeSnapshot(tmp, paths, s.Compression); err != nil {
		tmp.Close()
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	if err := s.Client.UploadLocalFile(ctx, snapshotName(key, s.Compression), tmp.Name()); err != nil {
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	return nil
}
