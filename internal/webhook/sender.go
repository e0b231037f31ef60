package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/autoprint/internal/core"
)

type WebhookEvent string

const (
	EventJobCompleted   WebhookEvent = "job_completed"
	EventJobFailed      WebhookEvent = "job_failed"
	EventJobCancelled   WebhookEvent = "job_cancelled"
	EventBatchCompleted WebhookEvent = "batch_completed"
	EventBatchFailed    WebhookEvent = "batch_failed"
)

var ErrQueueFull = errors.New("webhook queue full")

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID        string `json:"job_id"`
	RuleID       string `json:"rule_id"`
	TemplateID   string `json:"template_id"`
	PrinterID    string `json:"printer_id,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Duration     int64  `json:"duration_ms,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
}

type BatchEventData struct {
	BatchID       string  `json:"batch_id"`
	RuleID        string  `json:"rule_id"`
	Status        string  `json:"status"`
	TotalJobs     int     `json:"total_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	Progress      float64 `json:"progress_percentage"`
}

// Endpoint is a subscriber. An empty Events list subscribes to everything.
type Endpoint struct {
	Name   string
	URL    string
	Secret string
	Events []string
}

func (e Endpoint) wants(event WebhookEvent) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == string(event) {
			return true
		}
	}
	return false
}

type WebhookConfig struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type webhookTask struct {
	endpoint Endpoint
	event    WebhookEvent
	payload  *WebhookPayload
	attempt  int
}

// WebhookSender delivers engine events to the configured endpoints from a
// pool of workers. Enqueueing never blocks; a full queue drops the event.
type WebhookSender struct {
	endpoints  []Endpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *webhookTask
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *logrus.Logger
	now        func() time.Time
}

var _ core.WebhookSender = (*WebhookSender)(nil)

func NewWebhookSender(config WebhookConfig, logger *logrus.Logger) *WebhookSender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &WebhookSender{
		endpoints: config.Endpoints,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		workers:    config.WorkerCount,
		queue:      make(chan *webhookTask, config.QueueSize),
		stopCh:     make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) SendJobEvent(event string, job *core.PrintJob) error {
	data := &JobEventData{
		JobID:        job.ID,
		RuleID:       job.RuleID,
		TemplateID:   job.TemplateID,
		PrinterID:    job.PrinterID,
		BatchID:      job.BatchID,
		Status:       string(job.Status),
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		data.Duration = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return s.enqueue(WebhookEvent(event), data)
}

func (s *WebhookSender) SendBatchEvent(event string, batch *core.BatchPrintJob) error {
	data := &BatchEventData{
		BatchID:       batch.ID,
		RuleID:        batch.RuleID,
		Status:        string(batch.Status),
		TotalJobs:     batch.TotalJobs,
		CompletedJobs: batch.CompletedJobs,
		FailedJobs:    batch.FailedJobs,
		Progress:      batch.ProgressPercentage(),
	}
	return s.enqueue(WebhookEvent(event), data)
}

func (s *WebhookSender) enqueue(event WebhookEvent, data interface{}) error {
	var dropped int
	for _, endpoint := range s.endpoints {
		if !endpoint.wants(event) {
			continue
		}
		task := &webhookTask{
			endpoint: endpoint,
			event:    event,
			payload: &WebhookPayload{
				Event:     string(event),
				Timestamp: s.now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- task:
		default:
			dropped++
			s.logger.Warnf("webhook: queue full, dropping %s for endpoint %s", event, endpoint.Name)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d deliveries of %s dropped", ErrQueueFull, dropped, event)
	}
	return nil
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Errorf("webhook worker %d: failed to send %s to %s after %d attempts: %v",
					id, task.event, task.endpoint.Name, task.attempt, err)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.endpoint, task.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			s.logger.Warnf("webhook: client error from %s, not retrying: %v", task.endpoint.Name, err)
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debugf("webhook: retry %d/%d for %s in %v: %v",
				task.attempt, s.retryCount, task.endpoint.Name, backoff, err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(endpoint Endpoint, payload *WebhookPayload) error {
	payloadBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if endpoint.Secret != "" {
		payload.Signature = signPayload(payloadBytes, endpoint.Secret)
	}

	fullPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// signPayload signs the JSON encoding of the payload's data field.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
