package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	objects     map[string][]byte
	contentType map[string]string
	getErr      error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, contentType: map[string]string{}}
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.contentType[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjects()
	s := NewS3Store(objects, "loresmith")

	require.NoError(t, s.Put(ctx, "changelog-archive/c1/r1.json.gz", []byte("payload"), "application/gzip"))
	assert.Equal(t, "application/gzip", objects.contentType["changelog-archive/c1/r1.json.gz"])

	got, err := s.Get(ctx, "changelog-archive/c1/r1.json.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, s.Delete(ctx, "changelog-archive/c1/r1.json.gz"))
	got, err = s.Get(ctx, "changelog-archive/c1/r1.json.gz")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3StoreGetError(t *testing.T) {
	objects := newFakeObjects()
	objects.getErr = errors.New("access denied")
	s := NewS3Store(objects, "loresmith")

	_, err := s.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "access denied")
}
