package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Manifest struct {
	Products []ManifestProduct `json:"products"`
}

type ManifestProduct struct {
	SerialNumber int      `json:"serial_number"`
	Name         string   `json:"product_name"`
	InputURLs    []string `json:"input_urls"`
}

func (m Manifest) Validate() error {
	if len(m.Products) == 0 {
		return fmt.Errorf("%w: products must contain at least one entry", ErrInvalidManifest)
	}

	seen := make(map[int]struct{}, len(m.Products))
	for i, p := range m.Products {
		if p.SerialNumber <= 0 {
			return fmt.Errorf("%w: products[%d].serial_number must be positive", ErrInvalidManifest, i)
		}
		if _, dup := seen[p.SerialNumber]; dup {
			return fmt.Errorf("%w: products[%d].serial_number %d is duplicated", ErrInvalidManifest, i, p.SerialNumber)
		}
		seen[p.SerialNumber] = struct{}{}

		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: products[%d].product_name is required", ErrInvalidManifest, i)
		}
		if len(p.InputURLs) == 0 {
			return fmt.Errorf("%w: products[%d].input_urls must contain at least one url", ErrInvalidManifest, i)
		}
		for j, raw := range p.InputURLs {
			if err := validateImageURL(raw); err != nil {
				return fmt.Errorf("%w: products[%d].input_urls[%d]: %v", ErrInvalidManifest, i, j, err)
			}
		}
	}
	return nil
}

// NewRequest turns a validated manifest into a received request record.
func (m Manifest) NewRequest(id string, now time.Time) ProcessingRequest {
	products := make([]Product, 0, len(m.Products))
	for _, p := range m.Products {
		inputs := make([]string, 0, len(p.InputURLs))
		for _, u := range p.InputURLs {
			inputs = append(inputs, strings.TrimSpace(u))
		}
		products = append(products, Product{
			SerialNumber: p.SerialNumber,
			Name:         strings.TrimSpace(p.Name),
			InputURLs:    inputs,
			OutputURLs:   []string{},
			Status:       StatusReceived,
		})
	}

	return ProcessingRequest{
		ID:        id,
		Status:    StatusReceived,
		Products:  products,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func validateImageURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func (t NotificationTarget) Validate() error {
	if err := validateImageURL(t.URL); err != nil {
		return fmt.Errorf("%w: webhook_url: %v", ErrInvalidWebhook, err)
	}
	return nil
}
