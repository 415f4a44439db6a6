package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
)

// Client is the slice of object storage the archiver needs.
type Client interface {
	PutFile(ctx context.Context, key, srcPath, contentType string) error
	WriteJSON(ctx context.Context, key string, v any) error
}

type s3Client struct {
	bucket string
	api    *awss3.Client
	upl    *manager.Uploader
}

func New(cfg internal.ArchiveConfig) (Client, error) {
	endpoint := cfg.S3Endpoint
	forcePathStyle := true
	if strings.Contains(endpoint, "amazonaws.com") {
		forcePathStyle = false
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = forcePathStyle
		o.BaseEndpoint = &endpoint
	})

	return &s3Client{
		bucket: cfg.S3Bucket,
		api:    client,
		upl:    manager.NewUploader(client),
	}, nil
}

func (c *s3Client) PutFile(ctx context.Context, key, srcPath, contentType string) error {
	fh, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer fh.Close()

	_, err = c.upl.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        fh,
		ContentType: &contentType,
	})
	return err
}

func (c *s3Client) WriteJSON(ctx context.Context, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	ct := "application/json"
	_, err = c.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        strings.NewReader(string(b)),
		ContentType: &ct,
	})
	return err
}

// Archiver stores the compiled video and its run manifest under a date
// prefix. Archive failures are reported but never undo a finished run.
type Archiver struct {
	client Client
	prefix string
	log    *logging.Logger
}

func NewArchiver(client Client, prefix string, log *logging.Logger) *Archiver {
	return &Archiver{client: client, prefix: prefix, log: log}
}

func (a *Archiver) Archive(ctx context.Context, videoPath string, manifest *model.RunManifest) error {
	videoKey := a.key(manifest.Date, filepath.Base(videoPath))
	if err := a.client.PutFile(ctx, videoKey, videoPath, "video/mp4"); err != nil {
		return fmt.Errorf("archive: upload video: %w", err)
	}

	manifestKey := a.key(manifest.Date, "manifest.json")
	if err := a.client.WriteJSON(ctx, manifestKey, manifest); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}

	a.log.Infof("archive: stored %s and manifest under %s", filepath.Base(videoPath), path.Dir(videoKey))
	return nil
}

func (a *Archiver) key(date, name string) string {
	if a.prefix == "" {
		return path.Join(date, name)
	}
	return path.Join(a.prefix, date, name)
}
