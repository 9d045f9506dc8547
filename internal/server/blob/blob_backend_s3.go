package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultUploadExpiry = 15 * time.Minute
	defaultMaxRetries   = 3
)

type S3Backend struct {
	s3Client    *s3.Client
	s3Presigner *s3.PresignClient
	config      *S3Config
}

func NewS3Backend(s3Client *s3.Client, config *S3Config) *S3Backend {
	return &S3Backend{
		s3Client:    s3Client,
		s3Presigner: s3.NewPresignClient(s3Client),
		config:      config,
	}
}

func NewS3BackendWithConfig(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Backend(awsClient, cfg), nil
}

// ===================================================================================================

func (s *S3Backend) IssuePutURL(ctx context.Context, params *PutURLParams) (string, error) {
	if !ValidateKey(params.Key) {
		return "", ErrInvalidKey
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket(params.Bucket)),
		Key:    aws.String(params.Key),
	}
	if params.ContentType != "" {
		input.ContentType = aws.String(params.ContentType)
	}

	req, err := s.s3Presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry(params.TTL)
	})
	if err != nil {
		return "", &StorageError{Op: "presign put", Err: err}
	}
	return req.URL, nil
}

func (s *S3Backend) InitiateMultipart(ctx context.Context, params *InitiateMultipartParams) (string, error) {
	if !ValidateKey(params.Key) {
		return "", ErrInvalidKey
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket(params.Bucket)),
		Key:    aws.String(params.Key),
	}
	if params.ContentType != "" {
		input.ContentType = aws.String(params.ContentType)
	}

	res, err := retry(ctx, s.maxRetries(), func() (*s3.CreateMultipartUploadOutput, error) {
		return s.s3Client.CreateMultipartUpload(ctx, input)
	})
	if err != nil {
		return "", &StorageError{Op: "create multipart", Err: err}
	}
	return aws.ToString(res.UploadId), nil
}

func (s *S3Backend) IssuePartURL(ctx context.Context, params *PartURLParams) (string, error) {
	if !ValidateKey(params.Key) {
		return "", ErrInvalidKey
	}
	if params.UploadID == "" {
		return "", ErrMissingUploadID
	}

	req, err := s.s3Presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket(params.Bucket)),
		Key:        aws.String(params.Key),
		UploadId:   aws.String(params.UploadID),
		PartNumber: aws.Int32(int32(params.PartNumber)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry(params.TTL)
	})
	if err != nil {
		return "", &StorageError{Op: "presign part", Err: err}
	}
	return req.URL, nil
}

func (s *S3Backend) CompleteMultipart(ctx context.Context, params *CompleteMultipartParams) (*CompleteMultipartResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if params.UploadID == "" {
		return nil, ErrMissingUploadID
	}

	completedParts := make([]types.CompletedPart, len(params.Parts))
	for i, part := range params.Parts {
		completedParts[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	res, err := retry(ctx, s.maxRetries(), func() (*s3.CompleteMultipartUploadOutput, error) {
		return s.s3Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(s.bucket(params.Bucket)),
			Key:      aws.String(params.Key),
			UploadId: aws.String(params.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completedParts,
			},
		})
	})
	if err != nil {
		if hasErrorCode(err, "NoSuchUpload") {
			return nil, &StorageError{Op: "complete multipart", Err: ErrUploadNotFound}
		}
		return nil, &StorageError{Op: "complete multipart", Err: err}
	}

	return &CompleteMultipartResponse{
		ETag:     trimETag(res.ETag),
		Location: aws.ToString(res.Location),
	}, nil
}

func (s *S3Backend) AbortMultipart(ctx context.Context, params *AbortMultipartParams) error {
	if params.UploadID == "" {
		return nil
	}
	if !ValidateKey(params.Key) {
		return ErrInvalidKey
	}

	_, err := retry(ctx, s.maxRetries(), func() (*s3.AbortMultipartUploadOutput, error) {
		return s.s3Client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket(params.Bucket)),
			Key:      aws.String(params.Key),
			UploadId: aws.String(params.UploadID),
		})
	})
	if err != nil {
		// already aborted or completed
		if hasErrorCode(err, "NoSuchUpload", "NotFound") {
			return nil
		}
		return &StorageError{Op: "abort multipart", Err: err}
	}
	return nil
}

func (s *S3Backend) StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if !ValidateKey(key) {
		return nil, ErrInvalidKey
	}

	res, err := retry(ctx, s.maxRetries(), func() (*s3.HeadObjectOutput, error) {
		return s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket(bucket)),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) || hasErrorCode(err, "NotFound", "NoSuchKey") {
			return nil, ErrObjectNotFound
		}
		return nil, &StorageError{Op: "head object", Err: err}
	}

	return &ObjectInfo{
		Key:          key,
		ETag:         trimETag(res.ETag),
		Size:         aws.ToInt64(res.ContentLength),
		LastModified: aws.ToTime(res.LastModified),
	}, nil
}

// ===================================================================================================

func (s *S3Backend) bucket(bucket string) string {
	if bucket == "" {
		return s.config.BucketName
	}
	return bucket
}

func (s *S3Backend) maxRetries() uint {
	if s.config.MaxRetries == 0 {
		return defaultMaxRetries
	}
	return s.config.MaxRetries
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultUploadExpiry
	}
	return ttl
}

func trimETag(etag *string) string {
	return strings.ReplaceAll(aws.ToString(etag), "\"", "")
}

// retry re-runs op with exponential backoff while it fails with a transient error.
func retry[T any](ctx context.Context, tries uint, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !isTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
}

var _ PresignedUrlIssuer = (*S3Backend)(nil)
