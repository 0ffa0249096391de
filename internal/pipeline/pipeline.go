// Package pipeline runs one product's images through
// fetch, normalize, recompress and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/codec"
	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/transport"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeSkipped   Outcome = "skipped"
)

// Reason names the stage at which an image was skipped.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonFetch   Reason = "fetch"
	ReasonDecode  Reason = "decode"
	ReasonEncode  Reason = "encode"
	ReasonPublish Reason = "publish"
)

type ItemResult struct {
	InputURL  string
	OutputURL string
	Outcome   Outcome
	Reason    Reason
	Err       error
}

type Result struct {
	State      State
	Items      []ItemResult
	OutputURLs []string
	Succeeded  int
	Attempted  int
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Config struct {
	// Quality is the recompression target on the 0-100 scale. Zero is a
	// valid, maximally lossy setting; defaults are applied by config.
	Quality int
}

type Pipeline struct {
	fetcher   Fetcher
	codec     codec.Codec
	publisher transport.Publisher
	quality   int
	logger    zerolog.Logger
	tracer    trace.Tracer
}

func New(logger zerolog.Logger, fetcher Fetcher, c codec.Codec, publisher transport.Publisher, cfg Config) (*Pipeline, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if c == nil {
		return nil, errors.New("codec is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}

	quality := cfg.Quality
	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("quality %d outside 0-100", quality)
	}

	return &Pipeline{
		fetcher:   fetcher,
		codec:     c,
		publisher: publisher,
		quality:   quality,
		logger:    logger,
		tracer:    otel.Tracer("pixelbatch/pipeline"),
	}, nil
}

// Process handles every input URL of product in order. A failing image is
// recorded as skipped and never stops the remaining ones, so Process has no
// error return.
func (p *Pipeline) Process(ctx context.Context, requestID string, product domain.Product) Result {
	out := Result{
		State:      StateInProgress,
		Items:      make([]ItemResult, 0, len(product.InputURLs)),
		OutputURLs: make([]string, 0, len(product.InputURLs)),
	}

	for i, url := range product.InputURLs {
		item := p.processImage(ctx, requestID, product, i, url)
		out.Items = append(out.Items, item)
		out.Attempted++

		if item.Outcome == OutcomePublished {
			out.Succeeded++
			out.OutputURLs = append(out.OutputURLs, item.OutputURL)
			continue
		}

		p.logger.Warn().
			Err(item.Err).
			Str("request_id", requestID).
			Int("serial_number", product.SerialNumber).
			Str("url", url).
			Str("reason", string(item.Reason)).
			Msg("image skipped")
	}

	out.State = StateCompleted
	return out
}

func (p *Pipeline) processImage(ctx context.Context, requestID string, product domain.Product, index int, url string) ItemResult {
	ctx, span := p.tracer.Start(ctx, "pipeline.image")
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("product.serial_number", product.SerialNumber),
		attribute.Int("image.index", index),
		attribute.String("image.url", url),
	)
	defer span.End()

	skip := func(stage Reason, err error) ItemResult {
		reason := classify(err, stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		return ItemResult{InputURL: url, Outcome: OutcomeSkipped, Reason: reason, Err: err}
	}

	raw, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return skip(ReasonFetch, err)
	}

	canonical, err := p.codec.Normalize(raw)
	if err != nil {
		return skip(ReasonDecode, err)
	}

	compressed, err := p.codec.Recompress(canonical, p.quality)
	if err != nil {
		return skip(ReasonEncode, err)
	}

	published, err := p.publisher.Publish(ctx, compressed, transport.Metadata{
		RequestID:    requestID,
		SerialNumber: product.SerialNumber,
		Index:        index,
		Title:        product.Name,
		Description:  fmt.Sprintf("image %d of product %d in request %s", index+1, product.SerialNumber, requestID),
	})
	if err != nil {
		return skip(ReasonPublish, err)
	}

	span.SetStatus(codes.Ok, "published")
	return ItemResult{InputURL: url, OutputURL: published, Outcome: OutcomePublished}
}

func classify(err error, stage Reason) Reason {
	var (
		fetchErr   *transport.FetchError
		decodeErr  *codec.DecodeError
		encodeErr  *codec.EncodeError
		publishErr *transport.PublishError
	)
	switch {
	case errors.As(err, &fetchErr):
		return ReasonFetch
	case errors.As(err, &decodeErr):
		return ReasonDecode
	case errors.As(err, &encodeErr):
		return ReasonEncode
	case errors.As(err, &publishErr):
		return ReasonPublish
	default:
		return stage
	}
}
