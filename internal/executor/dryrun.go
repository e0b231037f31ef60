package executor

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/orrn/autoprint/internal/core"
)

// DryRunExecutor logs what would be printed and reports success.
type DryRunExecutor struct {
	logger *logrus.Logger
}

var _ core.Executor = (*DryRunExecutor)(nil)

func NewDryRunExecutor(logger *logrus.Logger) *DryRunExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &DryRunExecutor{logger: logger}
}

func (e *DryRunExecutor) Execute(ctx context.Context, req core.ExecRequest) (core.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return core.ExecResult{}, core.TransientError(err)
	}
	e.logger.WithFields(logrus.Fields{
		"job_id":      req.JobID,
		"printer_id":  req.Printer.ID,
		"template_id": req.TemplateID,
		"copies":      req.Copies,
		"fields":      len(req.Payload),
	}).Info("executor: dry run")
	return core.ExecResult{PagesRendered: req.Copies}, nil
}
