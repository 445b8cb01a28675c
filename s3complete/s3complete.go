// Package s3complete finishes multipart uploads directly on S3, for deployments where
// the uploader holds credentials of the destination bucket.
package s3complete

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/vpstream/go-vpuploader/handshake"
)

const numCompleteRetries = 3

// ErrNoParts is returned for completions without parts.
var ErrNoParts = errors.New("completion has no parts")

// API is the part of the S3 client used here.
type API interface {
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// Params ...
type Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Handler completes multipart uploads in one bucket.
type Handler struct {
	client API
	bucket string
	logger log.Logger
	wait   time.Duration
}

// New creates a Handler with an S3 client. Without static keys the default AWS credential chain is used.
func New(ctx context.Context, params Params, logger log.Logger) (*Handler, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(*cfg), params.Bucket, logger), nil
}

// NewWithClient ...
func NewWithClient(client API, bucket string, logger log.Logger) *Handler {
	return &Handler{
		client: client,
		bucket: bucket,
		logger: logger,
		wait:   5 * time.Second,
	}
}

// CompletionHandler returns Complete as a handler for the uploader.
func (h *Handler) CompletionHandler() handshake.CompletionHandler {
	return h.Complete
}

// Complete assembles the uploaded parts into the object at the completion's request key.
func (h *Handler) Complete(ctx context.Context, completion handshake.Completion) error {
	if completion.UploadID == "" {
		return fmt.Errorf("complete %s: %w", completion.RequestKey, handshake.ErrUploadIDMissing)
	}
	if len(completion.Parts) == 0 {
		return fmt.Errorf("complete %s: %w", completion.RequestKey, ErrNoParts)
	}

	parts := make([]types.CompletedPart, 0, len(completion.Parts))
	for _, part := range completion.Parts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(h.bucket),
		Key:             aws.String(completion.RequestKey),
		UploadId:        aws.String(completion.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}

	return retry.Times(numCompleteRetries).Wait(h.wait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := h.client.CompleteMultipartUpload(ctx, input)
		if err != nil {
			var noSuchUpload *types.NoSuchUpload
			if errors.As(err, &noSuchUpload) {
				return fmt.Errorf("complete %s: upload %s not found: %w", completion.RequestKey, completion.UploadID, err), true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "AccessDenied" {
				return fmt.Errorf("complete %s: %w", completion.RequestKey, err), true
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			h.logger.Warnf("Completing %s failed (attempt %d): %s", completion.RequestKey, attempt+1, err)
			return fmt.Errorf("complete %s: %w", completion.RequestKey, err), false
		}

		if resp != nil && resp.Location != nil {
			h.logger.Debugf("Multipart upload completed at %s", *resp.Location)
		}
		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
