package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/yoockh/coachloop/internal/storage"
	"github.com/yoockh/coachloop/internal/utils"
)

// MediaService copies a bot recording into our own bucket.
type MediaService interface {
	Archive(ctx context.Context, sessionID, recordingURL string) (objectPath string, err error)
	URI(objectPath string) string
}

type mediaService struct {
	uploader storage.Uploader
	http     *http.Client
	maxBytes int64
}

func NewMediaService(uploader storage.Uploader, maxBytes int64) MediaService {
	if maxBytes <= 0 {
		maxBytes = 512 << 20
	}
	return &mediaService{
		uploader: uploader,
		http:     &http.Client{Timeout: 2 * time.Minute},
		maxBytes: maxBytes,
	}
}

func (s *mediaService) Archive(ctx context.Context, sessionID, recordingURL string) (string, error) {
	const op = "MediaService.Archive"

	if sessionID == "" || recordingURL == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id and recording_url are required", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return "", utils.E(utils.CodeInvalidArgument, op, "invalid recording url", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to download recording", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", utils.E(utils.CodeUnavailable, op, fmt.Sprintf("recording download returned %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > s.maxBytes {
		return "", utils.E(utils.CodeInvalidArgument, op, "recording too large", nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	objectName := "recordings/" + sessionID + recordingExt(recordingURL, contentType)

	// one extra byte tells us the cap was hit
	body := &cappedReader{r: io.LimitReader(resp.Body, s.maxBytes+1), max: s.maxBytes}
	stored, err := s.uploader.Upload(ctx, objectName, contentType, body)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to upload recording", err)
	}
	return stored, nil
}

func (s *mediaService) URI(objectPath string) string { return s.uploader.URI(objectPath) }

func recordingExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".mp4"
}

type cappedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, fmt.Errorf("recording exceeds %d bytes", c.max)
	}
	return n, err
}
