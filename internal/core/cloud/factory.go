package cloud

import (
	"fmt"
	"strings"
)

// NewProvider creates the storage provider named by the configuration.
func NewProvider(config Config) (Provider, error) {
	provider := strings.ToLower(config.Provider)

	switch provider {
	case "azure":
		return NewAzureProvider(config.Azure)
	case "memory":
		return NewMemoryProvider(), nil
	default:
		return nil, &CloudError{
			Code:    "INVALID_PROVIDER",
			Message: fmt.Sprintf("unsupported cloud provider: %s", provider),
		}
	}
}

func ValidateConfig(config Config) error {
	if config.Provider == "" {
		return &CloudError{
			Code:    "MISSING_PROVIDER",
			Message: "cloud provider must be specified",
		}
	}

	provider := strings.ToLower(config.Provider)
	switch provider {
	case "azure":
		return ValidateAzureConfig(config.Azure)
	case "memory":
		return nil
	default:
		return &CloudError{
			Code:    "INVALID_PROVIDER",
			Message: fmt.Sprintf("unsupported cloud provider: %s", provider),
		}
	}
}

func ValidateAzureConfig(config AzureConfig) error {
	if config.ConnectionString == "" {
		if config.StorageAccountName == "" {
			return &CloudError{
				Code:    "MISSING_AZURE_ACCOUNT",
				Message: "Azure storage account name or connection string is required",
			}
		}
		if config.StorageAccountKey == "" {
			return &CloudError{
				Code:    "MISSING_AZURE_KEY",
				Message: "Azure storage account key is required when not using connection string",
			}
		}
	}

	if config.ContainerName == "" {
		return &CloudError{
			Code:    "MISSING_AZURE_CONTAINER",
			Message: "Azure blob container name is required",
		}
	}
	return nil
}
