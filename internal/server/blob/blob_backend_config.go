package blob

import (
	"fmt"
	"log/slog"

	"github.com/openmined/fileflow/internal/utils"
)

type S3Config struct {
	BucketName    string `mapstructure:"bucket_name"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Endpoint      string `mapstructure:"endpoint"`
	UseAccelerate bool   `mapstructure:"use_accelerate"`
	MaxRetries    uint   `mapstructure:"max_retries"`
}

func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name required")
	}
	if c.Region == "" {
		return fmt.Errorf("region required")
	}
	// empty keys fall back to the default aws credential chain
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		return fmt.Errorf("invalid endpoint URL %q", c.Endpoint)
	}
	return nil
}

func (c S3Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("bucket", c.BucketName),
		slog.String("region", c.Region),
		slog.String("endpoint", c.Endpoint),
		slog.String("access_key", utils.MaskSecret(c.AccessKey)),
	)
}
