// Command backtest-server exposes a single HTTP endpoint that runs a
// backtest from a posted JSON request and returns the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lizhexun/backtest/backtest"
	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/execution"
)

func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func execModeFromString(s string) execution.Mode { return execution.Mode(s) }

// Server wraps a gin.Engine exposing the backtest run endpoint.
type Server struct {
	engine *gin.Engine
	server *http.Server
	log    *zap.SugaredLogger
}

// NewServer constructs a Server listening on port. A nil logger disables
// request logging.
func NewServer(port int, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(loggerMiddleware(log))

	s := &Server{
		engine: engine,
		log:    log,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: engine,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	{
		api.POST("/run", s.handleRun)
	}
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.log.Infow("backtest-server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// runRequest is the POST /api/run body: a YAML-equivalent config section
// plus the bar data inline, since this server has no data-loading layer of
// its own.
type runRequest struct {
	Start          *time.Time              `json:"start"`
	End            *time.Time              `json:"end"`
	Cash           float64                 `json:"cash"`
	CommissionRate float64                 `json:"commission_rate"`
	MinCommission  float64                 `json:"min_commission"`
	StampTaxRate   float64                 `json:"stamp_tax_rate"`
	SlippageBps    float64                 `json:"slippage_bps"`
	ExecutionMode  string                  `json:"execution_mode"`
	T0Symbols      []string                `json:"t0_symbols"`
	BarsPerYear    int                     `json:"bars_per_year"`
	Benchmark      []barPayload            `json:"benchmark"`
	Data           map[string][]barPayload `json:"data"`
}

type barPayload struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

func toBars(payload []barPayload) []core.Bar {
	out := make([]core.Bar, len(payload))
	for i, p := range payload {
		out[i] = core.Bar{Time: p.Time, Open: p.Open, High: p.High, Low: p.Low, Close: p.Close, Volume: p.Volume}
	}
	return out
}

func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Benchmark) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "benchmark is required"})
		return
	}

	cfg := backtest.DefaultRunConfig()
	if req.Cash > 0 {
		cfg.Cash = decimalFromFloat(req.Cash)
	}
	if req.CommissionRate >= 0 {
		cfg.CommissionRate = decimalFromFloat(req.CommissionRate)
	}
	if req.MinCommission >= 0 {
		cfg.MinCommission = decimalFromFloat(req.MinCommission)
	}
	if req.StampTaxRate >= 0 {
		cfg.StampTaxRate = decimalFromFloat(req.StampTaxRate)
	}
	if req.SlippageBps >= 0 {
		cfg.SlippageBps = decimalFromFloat(req.SlippageBps)
	}
	if req.ExecutionMode != "" {
		cfg.ExecutionMode = execModeFromString(req.ExecutionMode)
	}
	if req.BarsPerYear > 0 {
		cfg.BarsPerYear = req.BarsPerYear
	}
	cfg.T0Symbols = req.T0Symbols
	if req.Start != nil {
		cfg.Start = *req.Start
	}
	if req.End != nil {
		cfg.End = *req.End
	}

	engine := backtest.New(cfg, cfg.Strategy, s.log)
	if err := engine.LoadBenchmark(toBars(req.Benchmark)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for symbol, bars := range req.Data {
		engine.LoadMarketData(core.Symbol(symbol), toBars(bars))
	}

	result, err := engine.Run()
	if err != nil {
		s.log.Errorw("backtest run failed", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.log.Infow("backtest run completed", "fills", len(result.Fills), "equity_samples", len(result.EquityCurve))
	c.JSON(http.StatusOK, result)
}

func main() {
	var port int
	flag.IntVar(&port, "port", 8080, "HTTP listen port")
	flag.Parse()

	s := NewServer(port, backtest.NewDiagnostics())
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}
}

// loggerMiddleware logs each request as a structured event through the
// same SugaredLogger threaded through Engine, rather than a separate
// unstructured log stream.
func loggerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Infow("http_request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
