// Package jobapi reports job state to the job-tracking API.
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ai-worker/internal/entity"
)

const apiKeyHeader = "X-Internal-API-Key"

var ErrNotFound = errors.New("not found")

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("job api: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("job api: unexpected status %d: %s", e.Code, e.Body)
}

type JobRepository struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewJobRepository(client *http.Client, baseURL, apiKey string) *JobRepository {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JobRepository{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error {
	return r.patch(ctx, jobID, entity.JobUpdate{Status: status})
}

func (r *JobRepository) SetResultDone(ctx context.Context, jobID string, resultURL string) error {
	return r.patch(ctx, jobID, entity.JobUpdate{Status: entity.StatusSucceeded, ResultURL: resultURL})
}

func (r *JobRepository) SetResultError(ctx context.Context, jobID string, errText string) error {
	return r.patch(ctx, jobID, entity.JobUpdate{Status: entity.StatusFailed, Error: errText})
}

// Close drops pooled connections of the shared client.
func (r *JobRepository) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *JobRepository) patch(ctx context.Context, jobID string, update entity.JobUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	endpoint := r.baseURL + "/api/internal/jobs/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("job api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("job api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, serr)
	}
	return serr
}
