package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures an optional MinIO/S3-compatible package source that
// is polled alongside the filesystem watch directories.
type S3Options struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Endpoint        string        `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string        `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool          `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string        `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string        `json:"region" mapstructure:"region"`
	PollInterval    time.Duration `json:"poll-interval" mapstructure:"poll-interval"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Enabled:      false,
		Endpoint:     "localhost:9000",
		BucketName:   "firmware",
		Region:       "us-east-1",
		PollInterval: 30 * time.Second,
	}
}

func (o *S3Options) Validate() []error {
	errors := []error{}

	if o.Enabled && o.BucketName == "" {
		errors = append(errors, fmt.Errorf("s3.bucket-name is required when s3.enabled is true"))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "s3.enabled", o.Enabled, "Poll an S3/MinIO bucket as an additional package source")
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local)")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, "s3.bucket-name", o.BucketName, "S3 bucket name for firmware storage")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region")
	fs.DurationVar(&o.PollInterval, "s3.poll-interval", o.PollInterval, "Interval between bucket listings")
}
