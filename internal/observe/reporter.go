// Package observe reporta fallos que no se propagan al caller, como las
// compensaciones de saga que fallan o los jobs que agotan reintentos.
package observe

import (
	"context"

	"go.uber.org/zap"
)

// Reporter recibe fallos de fondo con contexto estructurado.
type Reporter interface {
	Report(ctx context.Context, err error, fields ...zap.Field)
}

// ZapReporter escribe los reportes como logs de nivel error.
type ZapReporter struct {
	logger *zap.Logger
}

func NewZapReporter(logger *zap.Logger) *ZapReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapReporter{logger: logger.Named("report")}
}

func (r *ZapReporter) Report(_ context.Context, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.logger.Error("background failure", append(fields, zap.Error(err))...)
}

// Nop descarta los reportes.
type Nop struct{}

func (Nop) Report(context.Context, error, ...zap.Field) {}
