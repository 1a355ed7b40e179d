// Package assets определяет, куда перенаправить клиента за установщиком плагина.
package assets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

// ErrNoAsset возвращается, если для продукта и платформы нет файла.
var ErrNoAsset = errors.New("no installer for product and platform")

// Files сопоставляет продукт и платформу с именем файла и публичным адресом.
type Files interface {
	FileName(productID string, platform model.Platform) (string, bool)
	ReleaseURL(fileName string) string
}

// ReleaseLocator отдаёт публичные ссылки на файлы релизов.
type ReleaseLocator struct {
	files Files
}

// NewReleaseLocator создаёт локатор по публичным релизам.
func NewReleaseLocator(files Files) *ReleaseLocator {
	return &ReleaseLocator{files: files}
}

// Locate возвращает адрес установщика.
func (l *ReleaseLocator) Locate(_ context.Context, productID string, platform model.Platform) (string, error) {
	name, ok := l.files.FileName(productID, platform)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNoAsset, productID, platform)
	}
	return l.files.ReleaseURL(name), nil
}

// Presigner выпускает подписанные ссылки на объекты S3.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest повторяет нужную часть ответа presign-клиента.
type PresignedRequest struct {
	URL string
}

type s3Presigner struct {
	client *s3.PresignClient
}

func (p *s3Presigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// S3Locator отдаёт короткоживущие подписанные ссылки на установщики в бакете.
type S3Locator struct {
	files     Files
	presigner Presigner
	bucket    string
	prefix    string
	ttl       time.Duration
}

// NewS3Locator создаёт локатор с клиентом S3 из стандартной цепочки учётных данных AWS.
func NewS3Locator(ctx context.Context, files Files, bucket, prefix, region string, ttl time.Duration) (*S3Locator, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return NewS3LocatorWithPresigner(files, &s3Presigner{client: s3.NewPresignClient(client)}, bucket, prefix, ttl), nil
}

// NewS3LocatorWithPresigner создаёт локатор с заданным presign-клиентом.
func NewS3LocatorWithPresigner(files Files, presigner Presigner, bucket, prefix string, ttl time.Duration) *S3Locator {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Locator{
		files:     files,
		presigner: presigner,
		bucket:    bucket,
		prefix:    prefix,
		ttl:       ttl,
	}
}

// Locate возвращает подписанную ссылку на объект установщика.
func (l *S3Locator) Locate(ctx context.Context, productID string, platform model.Platform) (string, error) {
	name, ok := l.files.FileName(productID, platform)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNoAsset, productID, platform)
	}

	req, err := l.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(path.Join(l.prefix, name)),
	}, s3.WithPresignExpires(l.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", name, err)
	}
	return req.URL, nil
}
