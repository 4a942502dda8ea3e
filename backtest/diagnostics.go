package backtest

import "go.uber.org/zap"

// NewDiagnostics builds the SugaredLogger threaded through DataFeed and
// ExecutionEngine for non-fatal warnings (§7: data warnings, order
// warnings). Passing a nil logger to those constructors instead gives a
// no-op sink.
func NewDiagnostics() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
