package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"packaging-coordinator/internal/models"
)

// CITrigger hands a claimed job to the CI pipeline that builds the package. The pipeline reports
// progress back to CallbackURL.
type CITrigger struct {
	url         string
	token       string
	callbackURL string
	client      *http.Client
}

// NewCITrigger builds a trigger. A nil client gets a 30 second timeout.
func NewCITrigger(url, token, callbackURL string, client *http.Client) *CITrigger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CITrigger{url: url, token: token, callbackURL: callbackURL, client: client}
}

type triggerRequest struct {
	JobID       string               `json:"job_id"`
	PackagerID  string               `json:"packager_id"`
	CallbackURL string               `json:"callback_url"`
	ClaimedAt   *time.Time           `json:"claimed_at,omitempty"`
	Job         *models.PackagingJob `json:"job"`
}

// Handle implements Handler.
func (t *CITrigger) Handle(ctx context.Context, job *models.PackagingJob) error {
	body, err := json.Marshal(triggerRequest{
		JobID:       job.ID,
		PackagerID:  models.Deref(job.PackagerID),
		CallbackURL: t.callbackURL,
		ClaimedAt:   job.ClaimedAt,
		Job:         job,
	})
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger pipeline: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("trigger pipeline: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
