package governance

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/joi/persona-control/internal/canonical"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

// Archiver stores a snapshot and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, s models.GovernanceSnapshot) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes snapshots as canonical JSON to
//
//	s3://<bucket>/<prefix>/governance/YYYY/MM/<snapshotID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

// ObjectKey is the key a snapshot is archived under.
func ObjectKey(prefix string, s models.GovernanceSnapshot) string {
	ts := s.GeneratedAt.UTC()
	return path.Join(prefix, "governance",
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%s.json", s.ID),
	)
}

// Envelope is the canonical JSON archived for a snapshot. The checksum covers
// the canonical bytes of the snapshot field.
func Envelope(s models.GovernanceSnapshot) ([]byte, error) {
	body, err := canonical.MarshalCanonical(s)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	env := map[string]interface{}{
		"kind":        "persona.governance.snapshot",
		"id":          s.ID.String(),
		"generatedAt": s.GeneratedAt.UTC().Format(time.RFC3339Nano),
		"snapshot":    s,
		"checksum":    canonical.Checksum(body),
		"report":      Render(s),
	}
	return canonical.MarshalCanonical(env)
}

func (a *S3Archiver) Archive(ctx context.Context, s models.GovernanceSnapshot) (string, error) {
	data, err := Envelope(s)
	if err != nil {
		return "", err
	}
	key := ObjectKey(a.prefix, s)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
