package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"
)

// AzureProvider implements Provider on Azure Blob Storage.
type AzureProvider struct {
	client        *azblob.Client
	containerName string
	config        AzureConfig
}

func NewAzureProvider(config AzureConfig) (*AzureProvider, error) {
	if err := ValidateAzureConfig(config); err != nil {
		return nil, err
	}

	var client *azblob.Client
	var err error

	if config.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(config.ConnectionString, nil)
	} else {
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", config.StorageAccountName)
		credential, credErr := azblob.NewSharedKeyCredential(config.StorageAccountName, config.StorageAccountKey)
		if credErr != nil {
			return nil, &CloudError{
				Code:    "AZURE_CREDENTIAL_ERROR",
				Message: "failed to create Azure credentials",
				Cause:   credErr,
			}
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	}
	if err != nil {
		return nil, &CloudError{
			Code:    "AZURE_CLIENT_ERROR",
			Message: "failed to create Azure Blob Storage client",
			Cause:   err,
		}
	}

	if !config.UseHTTPS && config.ConnectionString == "" {
		config.UseHTTPS = true
	}

	return &AzureProvider{
		client:        client,
		containerName: config.ContainerName,
		config:        config,
	}, nil
}

func (p *AzureProvider) UploadFile(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	if req == nil {
		return nil, &CloudError{Code: "INVALID_REQUEST", Message: "upload request cannot be nil"}
	}

	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	metadata := make(map[string]*string, len(req.Metadata)+1)
	if req.FileName != "" {
		metadata["filename"] = to.Ptr(req.FileName)
	}
	for k, v := range req.Metadata {
		metadata[k] = to.Ptr(v)
	}

	uploadOptions := &azblob.UploadStreamOptions{
		Metadata: metadata,
		Tags:     req.Tags,
	}
	if req.ContentType != "" {
		uploadOptions.HTTPHeaders = &blob.HTTPHeaders{
			BlobContentType: to.Ptr(req.ContentType),
		}
	}

	uploadResponse, err := p.client.UploadStream(ctx, p.containerName, fileID, req.Content, uploadOptions)
	if err != nil {
		return nil, &CloudError{
			Code:    "UPLOAD_FAILED",
			Message: "failed to upload file to Azure Blob Storage",
			Cause:   err,
		}
	}

	response := &UploadResponse{
		FileID:      fileID,
		PublicURL:   p.generatePublicURL(fileID),
		ContentType: req.ContentType,
		UploadedAt:  time.Now().UTC(),
	}
	if uploadResponse.ETag != nil {
		response.ETag = string(*uploadResponse.ETag)
	}
	if req.ContentLength > 0 {
		response.Size = req.ContentLength
	}
	return response, nil
}

func (p *AzureProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, ErrInvalidFileID
	}

	resp, err := p.client.DownloadStream(ctx, p.containerName, fileID, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, &CloudError{Code: ErrFileNotFound.Code, Message: "receipt image not found", Cause: err}
		}
		return nil, &CloudError{
			Code:    "DOWNLOAD_FAILED",
			Message: "failed to download file from Azure Blob Storage",
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, &CloudError{Code: "DOWNLOAD_FAILED", Message: "failed to read blob body", Cause: err}
	}
	return buf.Bytes(), nil
}

func (p *AzureProvider) DeleteFile(ctx context.Context, fileID string) error {
	if fileID == "" {
		return ErrInvalidFileID
	}

	if _, err := p.client.DeleteBlob(ctx, p.containerName, fileID, nil); err != nil {
		return &CloudError{
			Code:    "DELETE_FAILED",
			Message: "failed to delete file from Azure Blob Storage",
			Cause:   err,
		}
	}
	return nil
}

func (p *AzureProvider) generatePublicURL(fileID string) string {
	if p.config.BaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", p.config.BaseURL, p.containerName, fileID)
	}

	protocol := "https"
	if !p.config.UseHTTPS {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s.blob.core.windows.net/%s/%s",
		protocol, p.config.StorageAccountName, p.containerName, url.PathEscape(fileID))
}
