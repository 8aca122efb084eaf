package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// S3Archive publishes verification matrices to Amazon S3 or a compatible
// service. Matrices are public commitments, so reads need no credentials.
type S3Archive struct {
	client         *s3.S3
	writeClient    *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// NewS3Archive creates a new S3 archive.
// If accessKey and secretKey are provided, the archive will have write access.
// Otherwise, it will be read-only for publicly accessible objects.
func NewS3Archive(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Archive, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	baseCfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
		baseCfg.S3ForcePathStyle = aws.Bool(true)
	}

	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	readClient := s3.New(baseSess)

	hasWriteAccess := accessKey != "" && secretKey != ""
	writeClient := readClient

	if hasWriteAccess {
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS write session: %w", err)
		}
		writeClient = s3.New(writeSess)
	} else {
		log.Warn("No S3 credentials provided - matrix publishing may fail unless bucket is public writable")
	}

	return &S3Archive{
		client:         readClient,
		writeClient:    writeClient,
		bucketName:     bucketName,
		prefix:         strings.TrimSuffix(prefix, "/"),
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Fetch retrieves a matrix by checksum and verifies it.
// Returns ErrContentNotFound if the object doesn't exist.
func (b *S3Archive) Fetch(ctx context.Context, checksum interfaces.Checksum) (interfaces.VerificationMatrix, error) {
	start := time.Now()
	key := b.objectKey(checksum)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), s3.ErrCodeNoSuchKey) || strings.Contains(err.Error(), "404") {
			b.log.Debug("Matrix not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}

		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	if !(cryptoutils.ChecksumVerifier{}).Matches(data, checksum) {
		return nil, fmt.Errorf("%w: archived matrix %s", interfaces.ErrChecksumMismatch, checksum)
	}

	b.log.Debug("Fetched matrix from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store uploads a matrix with public-read ACL and returns its checksum.
func (b *S3Archive) Store(ctx context.Context, matrix interfaces.VerificationMatrix) (interfaces.Checksum, error) {
	checksum := cryptoutils.ComputeChecksum(matrix)
	key := b.objectKey(checksum)

	_, err := b.writeClient.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(matrix),
		ACL:    aws.String("public-read"),
	})
	if err != nil {
		if !b.hasWriteAccess {
			return checksum, fmt.Errorf("failed to upload object to S3 (no write credentials provided): %w", err)
		}
		return checksum, fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored matrix in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.String("checksum", checksum.String()))

	return checksum, nil
}

// Available checks if the bucket is accessible.
func (b *S3Archive) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 archive unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive.
func (b *S3Archive) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this archive.
func (b *S3Archive) LocationURI() string {
	return b.locationURI
}

func (b *S3Archive) objectKey(checksum interfaces.Checksum) string {
	if b.prefix == "" {
		return checksum.String()
	}
	return path.Join(b.prefix, checksum.String())
}
