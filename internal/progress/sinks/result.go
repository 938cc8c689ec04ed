package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/progress"
)

// ObjectWriter stores a blob and returns its URI.
type ObjectWriter interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher produces a stable digest used to name result objects.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Result is the JSON document written for each successful job.
type Result struct {
	SpiderID  string    `json:"spiderId"`
	JobID     string    `json:"jobId"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Retries   int       `json:"retries"`
	FetchedAt time.Time `json:"fetchedAt"`
	Data      any       `json:"data"`
}

// ResultSink writes the data of every job:success event to an ObjectWriter
// as <prefix>/<spider>/<url digest>-<job>.json.
type ResultSink struct {
	store  ObjectWriter
	hasher Hasher
	prefix string
	logger *zap.Logger
}

// NewResultSink builds a ResultSink.
func NewResultSink(store ObjectWriter, hasher Hasher, prefix string, logger *zap.Logger) *ResultSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultSink{store: store, hasher: hasher, prefix: prefix, logger: logger}
}

// Consume stores each success in the batch. The first storage error aborts
// the batch and is returned.
func (s *ResultSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Type != progress.JobSuccess {
			continue
		}
		body, err := json.Marshal(Result{
			SpiderID:  evt.SpiderID,
			JobID:     evt.JobID,
			URL:       evt.URL,
			Status:    evt.Status,
			Retries:   evt.Retries,
			FetchedAt: evt.TS.UTC(),
			Data:      evt.Data,
		})
		if err != nil {
			return fmt.Errorf("encode result %s: %w", evt.JobID, err)
		}
		name, err := s.objectName(evt)
		if err != nil {
			return err
		}
		uri, err := s.store.PutObject(ctx, name, "application/json", body)
		if err != nil {
			return fmt.Errorf("store result %s: %w", evt.JobID, err)
		}
		s.logger.Debug("result stored", zap.String("job_id", evt.JobID), zap.String("uri", uri))
	}
	return nil
}

func (s *ResultSink) objectName(evt progress.Event) (string, error) {
	digest := "nohash"
	if s.hasher != nil {
		sum, err := s.hasher.Hash([]byte(evt.URL))
		if err != nil {
			return "", fmt.Errorf("hash url: %w", err)
		}
		digest = sum
	}
	return path.Join(s.prefix, evt.SpiderID, digest+"-"+evt.JobID+".json"), nil
}

// Close implements the Sink interface; it performs no action.
func (s *ResultSink) Close(context.Context) error {
	return nil
}
