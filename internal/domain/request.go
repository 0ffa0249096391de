package domain

import (
	"slices"
	"time"
)

type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	EventProcessingCompleted = "processing.completed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Product struct {
	SerialNumber int      `json:"serial_number" bson:"serial_number"`
	Name         string   `json:"product_name" bson:"product_name"`
	InputURLs    []string `json:"input_urls" bson:"input_urls"`
	OutputURLs   []string `json:"output_urls" bson:"output_urls"`
	Status       Status   `json:"processing_status" bson:"processing_status"`
}

// ProcessingRequest is one submitted batch. Export holds the CSV result and is
// written exactly once, together with the Completed status.
type ProcessingRequest struct {
	ID        string    `json:"request_id" bson:"request_id"`
	Status    Status    `json:"status" bson:"status"`
	Products  []Product `json:"products" bson:"products"`
	Export    []byte    `json:"-" bson:"csv_data,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

func (r ProcessingRequest) HasExport() bool {
	return len(r.Export) > 0
}

func (r ProcessingRequest) Product(serial int) (Product, bool) {
	for _, p := range r.Products {
		if p.SerialNumber == serial {
			return p, true
		}
	}
	return Product{}, false
}

// Clone returns a deep copy so callers can't mutate stored slices.
func (r ProcessingRequest) Clone() ProcessingRequest {
	out := r
	out.Export = slices.Clone(r.Export)
	out.Products = make([]Product, len(r.Products))
	for i, p := range r.Products {
		p.InputURLs = slices.Clone(p.InputURLs)
		p.OutputURLs = cloneURLs(p.OutputURLs)
		out.Products[i] = p
	}
	return out
}

func cloneURLs(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}

type NotificationTarget struct {
	URL       string    `json:"webhook_url" bson:"webhook_url"`
	Events    []string  `json:"events" bson:"events"`
	Active    bool      `json:"active" bson:"active"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

func (t NotificationTarget) Wants(event string) bool {
	if len(t.Events) == 0 {
		return true
	}
	return slices.Contains(t.Events, event)
}
