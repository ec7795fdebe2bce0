// Package docexport converts rendered HTML into downloadable office
// documents via an external conversion service.
package docexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

const (
	defaultTimeout = 30 * time.Second
	maxDocumentIn  = 2 << 20 // 2 MiB of HTML
)

// Format is a supported output document format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
)

var formatContentTypes = map[Format]string{
	FormatPDF:  "application/pdf",
	FormatDocx: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

var (
	// ErrUnsupportedFormat indicates a format outside pdf/docx was requested.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrConversionFailed indicates the conversion service rejected or
	// failed the request.
	ErrConversionFailed = errors.New("document conversion failed")
)

// Config configures the conversion client.
type Config struct {
	// BaseURL is the conversion service root. Required.
	BaseURL string

	HTTPClient *http.Client
	Logger     entitlement.Logger
}

// Client talks to the HTML-to-document conversion service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     entitlement.Logger
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("conversion service base url is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Client{baseURL: config.BaseURL, httpClient: httpClient, logger: logger}, nil
}

// Convert sends HTML to the conversion service and returns the produced
// document bytes. The service exposes one route per format, Gotenberg style.
func (c *Client) Convert(ctx context.Context, html []byte, format Format) ([]byte, error) {
	contentType, ok := formatContentTypes[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(html); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/convert/%s", c.baseURL, format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrConversionFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	c.logger.Debug("document converted",
		entitlement.Field{Key: "format", Value: string(format)},
		entitlement.Field{Key: "bytes", Value: len(doc)},
		entitlement.Field{Key: "durationMs", Value: time.Since(start).Milliseconds()})
	return doc, nil
}
