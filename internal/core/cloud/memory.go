package cloud

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider keeps files in process memory for the "memory" store driver.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{files: make(map[string][]byte)}
}

func (p *MemoryProvider) UploadFile(_ context.Context, req *UploadRequest) (*UploadResponse, error) {
	if req == nil {
		return nil, &CloudError{Code: "INVALID_REQUEST", Message: "upload request cannot be nil"}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, req.Content); err != nil {
		return nil, &CloudError{Code: "UPLOAD_FAILED", Message: "failed to read upload", Cause: err}
	}

	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	p.mu.Lock()
	p.files[fileID] = buf.Bytes()
	p.mu.Unlock()

	return &UploadResponse{
		FileID:      fileID,
		PublicURL:   "memory://" + fileID,
		Size:        int64(buf.Len()),
		ContentType: req.ContentType,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

func (p *MemoryProvider) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, ErrInvalidFileID
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.files[fileID]
	if !ok {
		return nil, ErrFileNotFound
	}
	return append([]byte(nil), data...), nil
}

func (p *MemoryProvider) DeleteFile(_ context.Context, fileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[fileID]; !ok {
		return ErrFileNotFound
	}
	delete(p.files, fileID)
	return nil
}
