package assets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/model"
)

type stubPresigner struct {
	gotBucket string
	gotKey    string
	err       error
}

func (s *stubPresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.gotBucket = aws.ToString(params.Bucket)
	s.gotKey = aws.ToString(params.Key)
	return &PresignedRequest{URL: "https://s3.example/" + s.gotKey + "?X-Amz-Signature=abc"}, nil
}

func TestReleaseLocator(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	l := NewReleaseLocator(c)

	u, err := l.Locate(context.Background(), "4", model.PlatformMacOS)
	require.NoError(t, err)
	assert.Contains(t, u, "/TapeBloom_v2.0.2.pkg")

	_, err = l.Locate(context.Background(), "99", model.PlatformMacOS)
	assert.ErrorIs(t, err, ErrNoAsset)
}

func TestS3Locator(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	p := &stubPresigner{}
	l := NewS3LocatorWithPresigner(c, p, "installers", "v1", time.Minute)

	u, err := l.Locate(context.Background(), "7", model.PlatformWindows)
	require.NoError(t, err)
	assert.Equal(t, "installers", p.gotBucket)
	assert.Equal(t, "v1/VocalFelt-v1.0.4-Windows-x64.exe", p.gotKey)
	assert.Contains(t, u, "X-Amz-Signature")

	p.err = errors.New("no credentials")
	_, err = l.Locate(context.Background(), "7", model.PlatformWindows)
	assert.Error(t, err)
}
