package cloud

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/google/uuid"
)

// MaxImageSize bounds a single receipt image.
const MaxImageSize = 10 * 1024 * 1024

// Service stores and fetches receipt images.
type Service struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg config.CloudConfig, logger *slog.Logger) (*Service, error) {
	cloudConfig := Config{
		Provider: cfg.Provider,
		Azure: AzureConfig{
			StorageAccountName: cfg.Azure.StorageAccountName,
			StorageAccountKey:  cfg.Azure.StorageAccountKey,
			ConnectionString:   cfg.Azure.ConnectionString,
			ContainerName:      cfg.Azure.ContainerName,
			BaseURL:            cfg.Azure.BaseURL,
			UseHTTPS:           cfg.Azure.UseHTTPS,
		},
	}

	if err := ValidateConfig(cloudConfig); err != nil {
		return nil, fmt.Errorf("invalid cloud storage configuration: %w", err)
	}

	provider, err := NewProvider(cloudConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud storage provider: %w", err)
	}

	return NewServiceWithProvider(provider, logger), nil
}

func NewServiceWithProvider(provider Provider, logger *slog.Logger) *Service {
	return &Service{provider: provider, logger: logger, now: time.Now}
}

// StoreReceiptImage uploads a receipt photo and returns the image reference
// a work item carries.
func (s *Service) StoreReceiptImage(ctx context.Context, customerRef, source string, image []byte, contentType string) (string, error) {
	if len(image) == 0 {
		return "", &CloudError{Code: "EMPTY_FILE", Message: "receipt image is empty"}
	}
	if len(image) > MaxImageSize {
		return "", ErrFileTooLarge
	}

	now := s.now().UTC()
	fileID := fmt.Sprintf("receipts/%s/%s%s", now.Format("2006/01/02"), uuid.NewString(), extensionFor(contentType))

	resp, err := s.provider.UploadFile(ctx, &UploadRequest{
		FileID:        fileID,
		ContentType:   contentType,
		Content:       bytes.NewReader(image),
		ContentLength: int64(len(image)),
		Metadata: map[string]string{
			"source":       source,
			"customer_ref": customerRef,
			"uploaded":     now.Format(time.RFC3339),
		},
		Tags: map[string]string{
			"source": source,
			"type":   "receipt",
		},
	})
	if err != nil {
		s.logger.Error("failed to upload receipt image",
			"customer_ref", customerRef,
			"source", source,
			"error", err)
		return "", fmt.Errorf("upload failed: %w", err)
	}

	s.logger.Info("receipt image uploaded",
		"customer_ref", customerRef,
		"source", source,
		"file_id", resp.FileID,
		"size", len(image))
	return resp.FileID, nil
}

// DownloadFile returns the bytes behind an image reference.
func (s *Service) DownloadFile(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.provider.DownloadFile(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", ref, err)
	}
	return data, nil
}

func (s *Service) DeleteFile(ctx context.Context, ref string) error {
	if err := s.provider.DeleteFile(ctx, ref); err != nil {
		s.logger.Error("failed to delete file", "file_id", ref, "error", err)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
