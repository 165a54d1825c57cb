package media

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioUploader stores artifacts in one bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

func NewMinioUploader(endpoint, user, password, bucket string, secure bool) (*MinioUploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(user, password, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioUploader{client: client, bucket: bucket}, nil
}

func (u *MinioUploader) EnsureBucket(ctx context.Context) error {
	err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return err
	}
	return nil
}

func (u *MinioUploader) Upload(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	return err
}
