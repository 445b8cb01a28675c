// Package broker talks to the credential broker: the service that issues presigned
// URLs for every file and assembles multipart uploads once all parts are stored.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vpstream/go-vpuploader/chunking"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/session"
)

// IssueRequest asks the broker for the credentials of one file.
type IssueRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	MultiPart   bool   `json:"multiPart"`
	PartCount   int    `json:"partCount"`
}

// NewIssueRequest describes a file the way the uploader is going to split it.
func NewIssueRequest(fileName, contentType string, size, chunkSize int64) IssueRequest {
	multiPart := chunking.DecideMultiPart(size, chunkSize)
	partCount := 1
	if multiPart {
		partCount = chunking.PartCount(size, chunkSize)
	}

	return IssueRequest{
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		MultiPart:   multiPart,
		PartCount:   partCount,
	}
}

type completeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Client is an HTTP client of the broker API.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Issue requests the credentials of a file. The response is validated for the requested part layout.
func (c *Client) Issue(ctx context.Context, request IssueRequest) (session.Details, error) {
	url := fmt.Sprintf("%s/uploads", c.baseURL)

	resp, err := c.post(ctx, url, request)
	if err != nil {
		return session.Details{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return session.Details{}, unwrapError(resp)
	}

	var details session.Details
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return session.Details{}, fmt.Errorf("decode issued credentials: %w", err)
	}

	if err := session.Validate(details, request.MultiPart); err != nil {
		return session.Details{}, fmt.Errorf("broker issued invalid credentials for %s: %w", request.FileName, err)
	}

	c.logger.Debugf("Issued %d presigned url(s) for %s", len(details.PresignedURLs), request.FileName)

	return details, nil
}

// Complete asks the broker to assemble the parts of a multipart upload.
func (c *Client) Complete(ctx context.Context, completion handshake.Completion) error {
	url := fmt.Sprintf("%s/uploads/complete", c.baseURL)

	resp, err := c.post(ctx, url, completion)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Complete response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	var response completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil && err != io.EOF {
		return fmt.Errorf("decode completion response: %w", err)
	}
	logResponseMessage(response, c.logger)

	return nil
}

// CompletionHandler returns Complete as a handler for the uploader.
func (c *Client) CompletionHandler() handshake.CompletionHandler {
	return c.Complete
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	return c.httpClient.Do(req)
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("Failed to close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(errorResp))
}

func logResponseMessage(response completeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn("%s", response.Message)
}
