package download

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// progressLog reports download progress through the logger. Serverless pods
// have no terminal for a progress bar, but their logs are collected.
type progressLog struct {
	logger   *zap.Logger
	total    int64
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	written int64
	last    time.Time
}

func newProgressLog(logger *zap.Logger, total int64, interval time.Duration) *progressLog {
	p := &progressLog{logger: logger, total: total, interval: interval, now: time.Now}
	p.last = p.now()
	return p
}

func (p *progressLog) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.written += int64(len(b))
	if now := p.now(); now.Sub(p.last) >= p.interval {
		p.last = now
		p.report()
	}
	return len(b), nil
}

func (p *progressLog) report() {
	fields := []zap.Field{zap.Int64("bytes", p.written)}
	if p.total > 0 {
		fields = append(fields,
			zap.Int64("total", p.total),
			zap.Float64("percent", float64(p.written)*100/float64(p.total)),
		)
	}
	p.logger.Info("download progress", fields...)
}
