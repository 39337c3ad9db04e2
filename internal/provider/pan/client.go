// Package pan implements the provider.Provider interface against a
// netdisk-style REST API: precreate registers an upload session, slices go
// to a separate upload host, and create assembles them into the final
// object. Application errors come back as an errno in a JSON envelope.
package pan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
)

const (
	errnoSuccess      = 0
	errnoInvalidToken = -6
	errnoExpiredToken = 111
)

// apiResponse is the JSON envelope every control call answers with.
type apiResponse struct {
	Errno    int    `json:"errno"`
	ErrMsg   string `json:"errmsg,omitempty"`
	UploadID string `json:"uploadid,omitempty"`
}

// Client talks to the netdisk REST API. One Client is safe for concurrent
// use by multiple transfer engines.
type Client struct {
	client    *http.Client
	transport *http.Transport
	config    ClientConfig
	creds     provider.CredentialSource
}

// NewClient builds a Client with the given credential source.
func NewClient(config *ClientConfig, creds provider.CredentialSource) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	transport := config.newTransport()

	return &Client{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    *config,
		creds:     creds,
	}
}

// Precreate registers a chunked upload and returns the session handle.
func (c *Client) Precreate(ctx context.Context, remotePath string, size, chunkSize int64, totalChunks int) (string, error) {
	form := url.Values{}
	form.Set("path", remotePath)
	form.Set("size", strconv.FormatInt(size, 10))
	form.Set("chunk_size", strconv.FormatInt(chunkSize, 10))
	form.Set("block_count", strconv.Itoa(totalChunks))
	form.Set("autoinit", "1")

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.postForm(ctx, "precreate", c.config.APIBase+"/rest/2.0/xpan/file?method=precreate", form)
	if err != nil {
		return "", err
	}

	if resp.UploadID == "" {
		return "", &provider.ProtocolError{Operation: "precreate", Code: resp.Errno, Message: "no upload session in response"}
	}

	logger.Debugf("Precreate for %s returned session %s", remotePath, resp.UploadID)

	return resp.UploadID, nil
}

// UploadSlice transmits one chunk to the upload host.
func (c *Client) UploadSlice(ctx context.Context, remotePath, uploadID string, index, totalChunks int, data []byte) error {
	query := url.Values{}
	query.Set("method", "upload")
	query.Set("type", "tmpfile")
	query.Set("path", remotePath)
	query.Set("uploadid", uploadID)
	query.Set("partseq", strconv.Itoa(index))

	endpoint := c.config.UploadBase + "/rest/2.0/pcs/superfile2?" + query.Encode()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fmt.Sprintf("part-%d", index))
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SliceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	op := fmt.Sprintf("upload_slice[%d/%d]", index, totalChunks)

	_, err = c.do(req, op)
	return err
}

// Finalize asks the remote to assemble uploaded slices into the final object.
func (c *Client) Finalize(ctx context.Context, remotePath, uploadID string, size int64) error {
	form := url.Values{}
	form.Set("path", remotePath)
	form.Set("size", strconv.FormatInt(size, 10))
	form.Set("uploadid", uploadID)

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	_, err := c.postForm(ctx, "finalize", c.config.APIBase+"/rest/2.0/xpan/file?method=create", form)
	return err
}

// DirectUpload pushes a small file in a single call. Only files at or below
// one slice size take this path, so buffering the body is bounded.
func (c *Client) DirectUpload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &provider.LocalIOError{Path: localPath, Op: "read", Err: err}
	}

	query := url.Values{}
	query.Set("method", "upload")
	query.Set("path", remotePath)
	query.Set("ondup", "overwrite")

	endpoint := c.config.UploadBase + "/rest/2.0/pcs/file?" + query.Encode()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SliceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = c.do(req, "direct_upload")
	return err
}

// ReadRange fetches [offset, offset+length) of a remote object.
func (c *Client) ReadRange(ctx context.Context, remotePath string, offset, length int64) ([]byte, error) {
	// An empty range would render as the invalid header "bytes=0--1".
	if length == 0 {
		return []byte{}, nil
	}

	query := url.Values{}
	query.Set("method", "download")
	query.Set("path", remotePath)

	endpoint := c.config.APIBase + "/rest/2.0/pcs/file?" + query.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.config.SliceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	body, err := c.doRaw(req, "read_range")
	if err != nil {
		return nil, err
	}

	if int64(len(body)) != length {
		return nil, &provider.ProtocolError{
			Operation: "read_range",
			Message:   fmt.Sprintf("expected %d bytes, got %d", length, len(body)),
		}
	}

	return body, nil
}

// postForm issues a form-encoded control call and decodes the envelope.
func (c *Client) postForm(ctx context.Context, operation, endpoint string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, operation)
}

// do executes a request expecting a JSON envelope and maps failures onto
// the provider error taxonomy.
func (c *Client) do(req *http.Request, operation string) (*apiResponse, error) {
	body, err := c.doRaw(req, operation)
	if err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &provider.ProtocolError{Operation: operation, Message: fmt.Sprintf("unparsable response: %v", err)}
	}

	switch resp.Errno {
	case errnoSuccess:
		return &resp, nil
	case errnoInvalidToken, errnoExpiredToken:
		return nil, &provider.AuthError{Operation: operation, Err: fmt.Errorf("errno %d: %s", resp.Errno, resp.ErrMsg)}
	default:
		return nil, &provider.ProtocolError{Operation: operation, Code: resp.Errno, Message: resp.ErrMsg}
	}
}

// doRaw executes a request, handling credentials, transport failures and
// HTTP status mapping. The response body is returned as-is.
func (c *Client) doRaw(req *http.Request, operation string) ([]byte, error) {
	token, err := c.creds.AccessToken(req.Context())
	if err != nil {
		return nil, &provider.AuthError{Operation: operation, Err: err}
	}

	query := req.URL.Query()
	query.Set("access_token", token)
	req.URL.RawQuery = query.Encode()

	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("User-Agent", c.config.UserAgent)

	logger.Debugf("API call %s (request %s): %s %s", operation, requestID, req.Method, req.URL.Path)

	resp, err := c.client.Do(req)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, &provider.NetworkError{Operation: operation, Err: fmt.Errorf("timeout: %w", err)}
		}
		return nil, &provider.NetworkError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.NetworkError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &provider.AuthError{Operation: operation, Err: fmt.Errorf("HTTP %d (request %s)", resp.StatusCode, requestID)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &provider.NetworkError{Operation: operation, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("server error (request %s)", requestID)}
	case resp.StatusCode >= 300:
		return nil, &provider.ProtocolError{Operation: operation, Code: resp.StatusCode,
			Message: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)}
	}

	return body, nil
}

// Cleanup releases idle connections held by the client.
func (c *Client) Cleanup() {
	c.transport.CloseIdleConnections()
}
