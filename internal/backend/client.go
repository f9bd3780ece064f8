// Package backend is the HTTP client of the server that stores uploaded flash images,
// patches them and extracts their certificates.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	uploadPath  = "/api/esp32/uploadFirmware"
	patchPath   = "/api/esp32/patchFirmware"
	extractPath = "/api/esp32/extractCerts"

	maxImageResponse = 32 << 20
	maxErrorBody     = 4 << 10
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Code, e.Body)
}

// PatchRequest carries the patch query parameters.
type PatchRequest struct {
	Reference    string
	Hostname     string
	HostnameOld  string
	WifiSSID     string
	WifiPassword string
}

// Client talks to the backend service.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http(s): %q", baseURL)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// UploadRawImage uploads an image as multipart field "file" and returns the
// backend's reference to it.
func (c *Client) UploadRawImage(ctx context.Context, filename string, image io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, image); err != nil {
		return "", fmt.Errorf("buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(uploadPath, nil), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("upload image", resp); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read upload reply: %w", err)
	}
	ref := strings.TrimSpace(string(raw))
	if ref == "" {
		return "", fmt.Errorf("upload image: backend returned no reference")
	}

	log.Debug().Str("reference", ref).Int("bytes", body.Len()).Msg("Image uploaded")
	return ref, nil
}

// PatchFirmware asks the backend to patch the referenced image and returns the patched bytes.
func (c *Client) PatchFirmware(ctx context.Context, pr PatchRequest) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", pr.Reference)
	q.Set("hostname", pr.Hostname)
	if pr.HostnameOld != "" {
		q.Set("hostname_old", pr.HostnameOld)
	}
	if pr.WifiSSID != "" {
		q.Set("wifi_ssid", pr.WifiSSID)
		q.Set("wifi_pass", pr.WifiPassword)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(patchPath, q), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("patch image: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("patch image", resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageResponse+1))
	if err != nil {
		return nil, fmt.Errorf("read patched image: %w", err)
	}
	if len(data) > maxImageResponse {
		return nil, fmt.Errorf("patched image exceeds %d bytes", maxImageResponse)
	}
	return data, nil
}

// ExtractCertificates asks the backend to extract the box certificates from the
// referenced image. A 409 reply means certificates exist and overwrite was not set.
func (c *Client) ExtractCertificates(ctx context.Context, reference string, overwrite bool) error {
	q := url.Values{}
	q.Set("filename", reference)
	if overwrite {
		q.Set("overwrite", strconv.FormatBool(true))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(extractPath, q), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("extract certificates: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus("extract certificates", resp)
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
