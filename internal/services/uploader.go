package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxImageBytes = 20 << 20

// ErrInvalidDataURI is returned for values that are not base64 data URIs.
var ErrInvalidDataURI = errors.New("invalid data uri")

// DiskUploader stores generated images under a directory served at baseURL.
type DiskUploader struct {
	dir     string
	baseURL string
}

// NewDiskUploader creates a DiskUploader rooted at dir.
func NewDiskUploader(dir, baseURL string) *DiskUploader {
	return &DiskUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload decodes dataURI into a new file owned by userID and returns its URL.
func (u *DiskUploader) Upload(ctx context.Context, userID, dataURI string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	mediaType, data, err := decodeDataURI(dataURI)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		ext = exts[0]
	}
	name := uuid.NewString() + ext

	userDir := filepath.Join(u.dir, userID)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(userDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return u.baseURL + "/" + userID + "/" + name, nil
}

func decodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidDataURI
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxImageBytes {
		return "", nil, fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidDataURI, maxImageBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return mediaType, data, nil
}
