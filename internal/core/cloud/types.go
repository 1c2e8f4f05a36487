package cloud

import (
	"context"
	"errors"
	"io"
	"time"
)

// Provider stores receipt images.
type Provider interface {
	// UploadFile stores the content and returns the file ID used to fetch it back.
	UploadFile(ctx context.Context, req *UploadRequest) (*UploadResponse, error)

	// DownloadFile returns the stored bytes of a file.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)

	DeleteFile(ctx context.Context, fileID string) error
}

type UploadRequest struct {
	// FileID is generated when empty.
	FileID      string
	FileName    string
	ContentType string
	Content     io.Reader
	// ContentLength is -1 when unknown.
	ContentLength int64
	Metadata      map[string]string
	Tags          map[string]string
}

type UploadResponse struct {
	FileID      string
	PublicURL   string
	Size        int64
	ContentType string
	ETag        string
	UploadedAt  time.Time
}

type Config struct {
	// Provider is "azure" or "memory".
	Provider string
	Azure    AzureConfig
}

type AzureConfig struct {
	StorageAccountName string
	StorageAccountKey  string
	// ConnectionString replaces account name and key when set.
	ConnectionString string
	ContainerName    string
	// BaseURL overrides the generated blob URL host.
	BaseURL  string
	UseHTTPS bool
}

var (
	ErrFileNotFound  = &CloudError{Code: "FILE_NOT_FOUND", Message: "File not found"}
	ErrInvalidFileID = &CloudError{Code: "INVALID_FILE_ID", Message: "Invalid file ID"}
	ErrFileTooLarge  = &CloudError{Code: "FILE_TOO_LARGE", Message: "File is too large"}
)

type CloudError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CloudError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CloudError) Unwrap() error {
	return e.Cause
}

// Is matches cloud errors by code.
func (e *CloudError) Is(target error) bool {
	var other *CloudError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}
