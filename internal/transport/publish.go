package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelbatch/internal/codec"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/storage"
)

const (
	defaultOutputPrefix   = "outputs"
	defaultUploadURL      = "https://api.imgur.com/3/image"
	defaultPublishTimeout = 30 * time.Second
)

// Metadata describes a processed image being published.
type Metadata struct {
	RequestID    string
	SerialNumber int
	Index        int
	Title        string
	Description  string
}

type Publisher interface {
	Publish(ctx context.Context, data []byte, meta Metadata) (string, error)
}

type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish image: %v", e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) (string, error)
}

var _ objectWriter = (*storage.Client)(nil)

// ObjectStorePublisher writes images into an S3-compatible bucket.
type ObjectStorePublisher struct {
	storage      objectWriter
	outputPrefix string
}

func NewObjectStorePublisher(client *storage.Client, outputPrefix string) *ObjectStorePublisher {
	return newObjectStorePublisher(client, outputPrefix)
}

func newObjectStorePublisher(w objectWriter, outputPrefix string) *ObjectStorePublisher {
	outputPrefix = strings.Trim(strings.TrimSpace(outputPrefix), "/")
	if outputPrefix == "" {
		outputPrefix = defaultOutputPrefix
	}
	return &ObjectStorePublisher{storage: w, outputPrefix: outputPrefix}
}

func (p *ObjectStorePublisher) OutputPrefix() string {
	return p.outputPrefix
}

func (p *ObjectStorePublisher) Publish(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if p.storage == nil {
		return "", &PublishError{Err: errors.New("storage client is required")}
	}
	format, err := codec.DetectFormat(data)
	if err != nil {
		format = ""
	}

	objectKey := path.Join(
		p.outputPrefix,
		sanitizePathToken(meta.RequestID),
		fmt.Sprintf("%d-%d.%s", meta.SerialNumber, meta.Index, codec.Extension(format)),
	)

	userMetadata := map[string]string{
		"request-id":    meta.RequestID,
		"serial-number": strconv.Itoa(meta.SerialNumber),
	}
	if meta.Title != "" {
		userMetadata["title"] = meta.Title
	}
	if meta.Description != "" {
		userMetadata["description"] = meta.Description
	}

	url, err := p.storage.WriteObject(ctx, objectKey, data, codec.ContentType(format), userMetadata)
	if err != nil {
		return "", &PublishError{Err: err}
	}
	return url, nil
}

// HTTPUploadPublisher uploads images to an Imgur-compatible HTTP API.
type HTTPUploadPublisher struct {
	client    *http.Client
	uploadURL string
	clientID  string
}

func NewHTTPUploadPublisher(cfg config.PublishConfig) *HTTPUploadPublisher {
	uploadURL := strings.TrimSpace(cfg.UploadURL)
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &HTTPUploadPublisher{
		client:    &http.Client{Timeout: timeout},
		uploadURL: uploadURL,
		clientID:  cfg.ClientID,
	}
}

type uploadResponse struct {
	Data struct {
		Link  string `json:"link"`
		Error any    `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

func (p *HTTPUploadPublisher) Publish(ctx context.Context, data []byte, meta Metadata) (string, error) {
	format, err := codec.DetectFormat(data)
	if err != nil {
		format = ""
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%d-%d.%s"`, meta.SerialNumber, meta.Index, codec.Extension(format)))
	header.Set("Content-Type", codec.ContentType(format))
	part, err := form.CreatePart(header)
	if err != nil {
		return "", &PublishError{Err: fmt.Errorf("create image part: %w", err)}
	}
	if _, err := part.Write(data); err != nil {
		return "", &PublishError{Err: fmt.Errorf("write image part: %w", err)}
	}

	fields := []struct{ key, value string }{
		{"type", "file"},
		{"title", meta.Title},
		{"description", meta.Description},
	}
	for _, f := range fields {
		if err := form.WriteField(f.key, f.value); err != nil {
			return "", &PublishError{Err: fmt.Errorf("write form field %s: %w", f.key, err)}
		}
	}
	if err := form.Close(); err != nil {
		return "", &PublishError{Err: fmt.Errorf("close multipart form: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadURL, &body)
	if err != nil {
		return "", &PublishError{Err: fmt.Errorf("build upload request: %w", err)}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Client-ID "+p.clientID)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &PublishError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &PublishError{Err: fmt.Errorf("read upload response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &PublishError{Err: fmt.Errorf("upload returned status=%d", resp.StatusCode)}
	}

	var parsed uploadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &PublishError{Err: fmt.Errorf("decode upload response: %w", err)}
	}
	link := strings.TrimSpace(parsed.Data.Link)
	if link == "" {
		return "", &PublishError{Err: errors.New("upload response has no link")}
	}
	return link, nil
}

func sanitizePathToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
