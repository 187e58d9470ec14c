package services

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/coachloop/internal/utils"
)

type memUploader struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memUploader) Upload(_ context.Context, name, contentType string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[name] = b
	m.types[name] = contentType
	return name, nil
}

func (m *memUploader) URI(name string) string { return "gs://test-bucket/" + name }

func newMemUploader() *memUploader {
	return &memUploader{objects: map[string][]byte{}, types: map[string]string{}}
}

func TestMediaService_Archive(t *testing.T) {
	payload := bytes.Repeat([]byte{0x1}, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/webm")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	up := newMemUploader()
	svc := NewMediaService(up, 1<<20)

	path, err := svc.Archive(context.Background(), testSessionID, srv.URL+"/rec.webm?token=x")
	require.NoError(t, err)
	assert.Equal(t, "recordings/"+testSessionID+".webm", path)
	assert.Equal(t, payload, up.objects[path])
	assert.Equal(t, "video/webm", up.types[path])
	assert.Equal(t, "gs://test-bucket/"+path, svc.URI(path))
}

func TestMediaService_RejectsOversizedRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(bytes.Repeat([]byte{0x2}, 4096))
	}))
	defer srv.Close()

	svc := NewMediaService(newMemUploader(), 1024)
	_, err := svc.Archive(context.Background(), testSessionID, srv.URL+"/rec.mp4")
	require.Error(t, err)
}

func TestMediaService_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := NewMediaService(newMemUploader(), 0)
	_, err := svc.Archive(context.Background(), testSessionID, srv.URL+"/rec.mp4")
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	_, err = svc.Archive(context.Background(), "", srv.URL)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
}
