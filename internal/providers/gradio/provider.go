package gradio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/providers"
	"github.com/tributary-ai/tryon-router/internal/types"
)

const maxResponseBytes = 4 << 20

// Provider implements the TryOnProvider interface for Gradio /call APIs
type Provider struct {
	client     *http.Client
	config     *Config
	extractors []Extractor
	logger     *logrus.Logger
}

var _ providers.TryOnProvider = (*Provider)(nil)

// NewProvider creates a provider; config defaults are applied in place.
func NewProvider(config *Config, logger *logrus.Logger) (*Provider, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Provider{
		client:     &http.Client{Timeout: config.RequestTimeout},
		config:     config,
		extractors: ExtractorsForShape(config.ResultShape),
		logger:     logger,
	}, nil
}

// ID returns the provider id
func (p *Provider) ID() string {
	return p.config.Name
}

// Priority returns the configured priority
func (p *Provider) Priority() int {
	return p.config.Priority
}

// Info describes the provider for listing endpoints
func (p *Provider) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:           p.config.Name,
		BaseURL:      p.config.BaseURL,
		Operation:    p.config.Operation,
		Priority:     p.config.Priority,
		PayloadStyle: p.config.Payload,
		ResultShape:  p.config.ResultShape,
	}
}

// Generate submits a job and polls it to a terminal state
func (p *Provider) Generate(ctx context.Context, in *types.TryOnInput) (string, error) {
	job, err := p.Submit(ctx, in)
	if err != nil {
		return "", err
	}
	if err := p.Poll(ctx, job); err != nil {
		return "", err
	}
	if !job.Terminal() || job.Status != StatusCompleted {
		return "", fmt.Errorf("%w: job %s ended in state %s", providers.ErrProcessing, job.EventID, job.Status)
	}
	return job.Result, nil
}

type submitResponse struct {
	EventID string `json:"event_id"`
}

// Submit posts the job. A non-2xx status or a missing event id fails with
// ErrSubmission and no job is returned.
func (p *Provider) Submit(ctx context.Context, in *types.TryOnInput) (*Job, error) {
	body, err := json.Marshal(BuildPayload(p.config, in.PersonImage, in.GarmentImage))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode payload: %v", providers.ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+p.config.SubmitPath(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", providers.ErrSubmission, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", providers.ErrSubmission, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", providers.ErrSubmission, resp.StatusCode, snippet(data))
	}

	var parsed submitResponse
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.EventID == "" {
		return nil, fmt.Errorf("%w: response carried no event_id", providers.ErrSubmission)
	}

	p.logger.WithFields(logrus.Fields{
		"provider":   p.config.Name,
		"event_id":   parsed.EventID,
		"request_id": in.RequestID,
	}).Debug("Job submitted")

	return &Job{
		EventID:     parsed.EventID,
		Status:      StatusSubmitted,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll fetches the job's event stream until a terminal event or the attempt
// ceiling. Failed polls are logged and retried; only the ceiling times out.
func (p *Provider) Poll(ctx context.Context, job *Job) error {
	job.Status = StatusPolling
	log := p.logger.WithFields(logrus.Fields{
		"provider": p.config.Name,
		"event_id": job.EventID,
	})

	for job.Attempts < p.config.MaxPollAttempts {
		job.Attempts++

		body, err := p.fetchEvents(ctx, job.EventID)
		if err != nil {
			if ctx.Err() != nil {
				job.Status = StatusFailed
				job.ErrorMessage = ctx.Err().Error()
				return ctx.Err()
			}
			log.WithError(&providers.TransientPollError{
				EventID: job.EventID,
				Attempt: job.Attempts,
				Err:     err,
			}).Debug("Poll request failed, will retry")
		} else {
			event := ParsePollEvent(body, p.extractors...)
			switch event.Kind {
			case EventComplete:
				job.Status = StatusCompleted
				job.Result = ResolveResultURL(p.config.BaseURL, event.Result)
				log.WithFields(logrus.Fields{
					"poll_attempt": job.Attempts,
					"duration_ms":  time.Since(job.SubmittedAt).Milliseconds(),
				}).Debug("Job completed")
				return nil
			case EventError:
				job.Status = StatusFailed
				job.ErrorMessage = event.Message
				log.WithField("detail", event.Detail).Warn("Job failed on server")
				if event.Message == processingFailedMessage {
					return providers.ErrProcessing
				}
				return fmt.Errorf("%w: %s", providers.ErrProcessing, event.Message)
			case EventHeartbeat:
				log.WithField("poll_attempt", job.Attempts).Debug("Heartbeat received")
			default:
				log.WithField("poll_attempt", job.Attempts).Debug("Unrecognized poll response")
			}
		}

		if job.Attempts < p.config.MaxPollAttempts {
			if err := sleepContext(ctx, p.config.PollInterval); err != nil {
				job.Status = StatusFailed
				job.ErrorMessage = err.Error()
				return err
			}
		}
	}

	job.Status = StatusTimedOut
	job.ErrorMessage = providers.ErrPollTimeout.Error()
	return fmt.Errorf("%w after %d polls", providers.ErrPollTimeout, job.Attempts)
}

// fetchEvents performs one poll GET and returns the body text
func (p *Provider) fetchEvents(ctx context.Context, eventID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+p.config.PollPath(eventID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data))
	}
	return string(data), nil
}

// HealthCheck issues a plain GET against the base URL; any 2xx is alive.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL, nil)
	if err != nil {
		return err
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", p.config.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", p.config.Name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) authorize(req *http.Request) {
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
}

// sleepContext waits d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snippet(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
