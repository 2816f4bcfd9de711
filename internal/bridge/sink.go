package bridge

import "log/slog"

// LogSink writes execution updates to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every update.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) OnStatusUpdate(dealID string, r StatusReport) {
	s.logger.Info("bridge status update",
		"deal_id", dealID, "execution_id", r.ExecutionID, "status", r.Status, "raw_status", r.RawStatus, "mock", r.IsMock)
}

func (s *LogSink) OnError(dealID string, err error) {
	s.logger.Warn("bridge execution error", "deal_id", dealID, "error", err)
}

// FanOut delivers every event to each sink in order.
type FanOut []EventSink

func (f FanOut) OnStatusUpdate(dealID string, r StatusReport) {
	for _, s := range f {
		if s != nil {
			s.OnStatusUpdate(dealID, r)
		}
	}
}

func (f FanOut) OnError(dealID string, err error) {
	for _, s := range f {
		if s != nil {
			s.OnError(dealID, err)
		}
	}
}

var (
	_ EventSink = (*LogSink)(nil)
	_ EventSink = FanOut(nil)
)
