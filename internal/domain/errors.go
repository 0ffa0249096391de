package domain

import "errors"

var (
	ErrRequestNotFound = errors.New("processing request not found")
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrInvalidWebhook  = errors.New("invalid webhook target")
)
