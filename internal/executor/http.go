// Package executor provides the render/print collaborators the dispatcher
// hands jobs to.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/autoprint/internal/core"
)

type printRequest struct {
	JobID      string         `json:"job_id"`
	PrinterID  string         `json:"printer_id"`
	Connection string         `json:"connection"`
	Address    string         `json:"address,omitempty"`
	TemplateID string         `json:"template_id"`
	Payload    map[string]any `json:"payload"`
	Copies     int            `json:"copies"`
	Preview    bool           `json:"preview"`
}

type printResponse struct {
	PagesRendered int    `json:"pages_rendered"`
	Error         string `json:"error,omitempty"`
}

// HTTPExecutor forwards each attempt to an external print service. Client
// errors (4xx) are permanent; server errors and network failures are
// transient.
type HTTPExecutor struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

var _ core.Executor = (*HTTPExecutor)(nil)

func NewHTTPExecutor(url string, timeout time.Duration, logger *logrus.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPExecutor{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req core.ExecRequest) (core.ExecResult, error) {
	body, err := json.Marshal(&printRequest{
		JobID:      req.JobID,
		PrinterID:  req.Printer.ID,
		Connection: string(req.Printer.Connection),
		Address:    req.Printer.Address,
		TemplateID: req.TemplateID,
		Payload:    req.Payload,
		Copies:     req.Copies,
		Preview:    req.Preview,
	})
	if err != nil {
		return core.ExecResult{}, core.PermanentError(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return core.ExecResult{}, core.PermanentError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Print-Job-ID", req.JobID)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return core.ExecResult{}, core.TransientError(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.ExecResult{}, core.TransientError(fmt.Errorf("read response: %w", err))
	}

	var out printResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return core.ExecResult{}, core.TransientError(fmt.Errorf("decode response: %w", err))
		}
	}

	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		statusErr := fmt.Errorf("print service returned %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return core.ExecResult{}, core.PermanentError(statusErr)
		}
		return core.ExecResult{}, core.TransientError(statusErr)
	}

	e.logger.Debugf("executor: job %s printed on %s, %d pages", req.JobID, req.Printer.ID, out.PagesRendered)
	return core.ExecResult{PagesRendered: out.PagesRendered}, nil
}
