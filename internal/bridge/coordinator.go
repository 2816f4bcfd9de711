package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/networks"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/tokenamount"
	"github.com/mbd888/escrowd/internal/traces"
)

const (
	DefaultWatchInterval = 15 * time.Second
	DefaultWatchTimeout  = 30 * time.Minute
)

// Scoring weights. Every candidate starts at baseScore.
var (
	baseScore        = decimal.NewFromInt(100)
	perMinutePenalty = decimal.RequireFromString("0.5")
	perUSDPenalty    = decimal.NewFromInt(2)
	perExtraHop      = decimal.NewFromInt(5)
	insuranceBonus   = decimal.NewFromInt(10)
	secondsPerMinute = decimal.NewFromInt(60)
)

// Coordinator selects, submits and watches bridge transfers.
type Coordinator struct {
	agg     Aggregator
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	sink    EventSink
	logger  *slog.Logger

	watchInterval time.Duration
	watchTimeout  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventSink sets where background execution updates are delivered.
func WithEventSink(s EventSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Coordinator) { c.breaker = b }
}

// WithRetryPolicy replaces retry.DefaultPolicy for aggregator calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithWatch bounds the background watcher started by Execute.
func WithWatch(interval, timeout time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.watchInterval = interval
		}
		if timeout > 0 {
			c.watchTimeout = timeout
		}
	}
}

// NewCoordinator wraps agg.
func NewCoordinator(agg Aggregator, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		agg:           agg,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		policy:        retry.DefaultPolicy,
		logger:        logger.With("aggregator", agg.Name()),
		watchInterval: DefaultWatchInterval,
		watchTimeout:  DefaultWatchTimeout,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsMock reports whether the underlying aggregator is simulated.
func (c *Coordinator) IsMock() bool { return c.agg.IsMock() }

// Provider names the underlying aggregator.
func (c *Coordinator) Provider() string { return c.agg.Name() }

// FindRoute returns the best-scoring route, or nil when source and target
// are the same network.
func (c *Coordinator) FindRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if networks.Same(req.SourceNetwork, req.TargetNetwork) {
		return nil, nil
	}

	ctx, span := traces.StartSpan(ctx, "bridge.FindRoute",
		traces.DealID(req.DealID), traces.Network(req.SourceNetwork))
	var routes []Route
	err := c.call(ctx, "routes", true, func() error {
		var err error
		routes, err = c.agg.Routes(ctx, req)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, &NoRouteError{SourceNetwork: req.SourceNetwork, TargetNetwork: req.TargetNetwork}
	}

	best := SelectBest(routes)
	c.logger.Info("bridge route selected",
		"deal_id", req.DealID, "route_id", best.ID, "provider", best.Provider,
		"candidates", len(routes), "score", best.Score.String(), "fee_usd", best.FeeUSD.String())
	return best, nil
}

// Score rates a route. Shorter duration, lower fee, fewer hops and
// insurance all raise the score.
func Score(r Route) decimal.Decimal {
	hops := r.Hops
	if hops < 1 {
		hops = 1
	}
	minutes := decimal.NewFromInt(r.DurationSeconds).Div(secondsPerMinute)
	s := baseScore.
		Sub(minutes.Mul(perMinutePenalty)).
		Sub(r.FeeUSD.Mul(perUSDPenalty)).
		Sub(decimal.NewFromInt(int64(hops - 1)).Mul(perExtraHop))
	if r.Insured {
		s = s.Add(insuranceBonus)
	}
	return s
}

// SelectBest scores routes and returns the winner. Ties go to the lower
// fee, then the lexically smaller id. routes must be non-empty.
func SelectBest(routes []Route) *Route {
	scored := make([]Route, len(routes))
	for i, r := range routes {
		r.Score = Score(r)
		scored[i] = r
	}
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if !a.Score.Equal(b.Score) {
			return a.Score.GreaterThan(b.Score)
		}
		if !a.FeeUSD.Equal(b.FeeUSD) {
			return a.FeeUSD.LessThan(b.FeeUSD)
		}
		return a.ID < b.ID
	})
	best := scored[0]
	return &best
}

// Execute submits route and returns as soon as the aggregator accepts it.
// When an EventSink is configured a background watcher reports status
// changes until the execution is terminal or the watch times out.
func (c *Coordinator) Execute(ctx context.Context, route *Route, dealID string) (*Execution, error) {
	if route == nil || route.ID == "" {
		return nil, &BridgeError{Op: "execute", Provider: c.agg.Name(), Err: fmt.Errorf("%w: route required", ErrInvalidRequest)}
	}

	ctx, span := traces.StartSpan(ctx, "bridge.Execute", traces.DealID(dealID))
	var exec *Execution
	err := c.call(ctx, "execute", false, func() error {
		var err error
		exec, err = c.agg.Execute(ctx, *route, dealID)
		return err
	})
	traces.End(span, err)
	if err != nil {
		if c.sink != nil {
			c.sink.OnError(dealID, err)
		}
		return nil, err
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = time.Now()
	}

	c.logger.Info("bridge transfer submitted",
		"deal_id", dealID, "route_id", route.ID, "execution_id", exec.ExecutionID,
		"tx_hash", exec.TransactionHash, "mock", exec.IsMock)

	if c.sink != nil {
		c.sink.OnStatusUpdate(dealID, StatusReport{ExecutionID: exec.ExecutionID, Status: exec.Status, IsMock: exec.IsMock})
		c.watch(exec.ExecutionID, dealID, exec.Status)
	}
	return exec, nil
}

// Status polls the aggregator once.
func (c *Coordinator) Status(ctx context.Context, executionID, dealID string) (*StatusReport, error) {
	if executionID == "" {
		return nil, &BridgeError{Op: "status", Provider: c.agg.Name(), Err: fmt.Errorf("%w: execution id required", ErrInvalidRequest)}
	}
	ctx, span := traces.StartSpan(ctx, "bridge.Status", traces.ExecutionID(executionID), traces.DealID(dealID))
	var report *StatusReport
	err := c.call(ctx, "status", true, func() error {
		var err error
		report, err = c.agg.Status(ctx, executionID)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Close stops background watchers and waits for them to exit.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Coordinator) watch(executionID, dealID string, last Status) {
	if last.Terminal() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in bridge watcher", "execution_id", executionID, "panic", r)
			}
		}()

		deadline := time.NewTimer(c.watchTimeout)
		defer deadline.Stop()
		ticker := time.NewTicker(c.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-deadline.C:
				c.logger.Warn("bridge watcher gave up", "execution_id", executionID, "deal_id", dealID, "last_status", last)
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.watchInterval)
				report, err := c.Status(ctx, executionID, dealID)
				cancel()
				if err != nil {
					c.sink.OnError(dealID, err)
					continue
				}
				if report.Status != last {
					last = report.Status
					c.sink.OnStatusUpdate(dealID, *report)
				}
				if last.Terminal() {
					return
				}
			}
		}
	}()
}

// call runs fn behind the breaker. Only idempotent operations are retried:
// a submission whose response was lost may still have been accepted.
// Request errors are returned immediately; everything else is wrapped in a
// BridgeError.
func (c *Coordinator) call(ctx context.Context, op string, idempotent bool, fn func() error) error {
	key := "aggregator:" + c.agg.Name()
	policy := c.policy
	if !idempotent {
		policy = retry.Policy{MaxAttempts: 1}
	}
	err := policy.Do(ctx, func() error {
		err := c.breaker.Do(key, func(err error) bool { return !clientError(err) }, fn)
		if err != nil && clientError(err) {
			return retry.Permanent(err)
		}
		if err != nil && errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	metrics.BridgeRequestsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	if err == nil {
		return nil
	}
	if IsBridgeError(err) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &BridgeError{Op: op, Provider: c.agg.Name(), Err: fmt.Errorf("%w: %v", ErrAggregatorUnavailable, err)}
	}
	return &BridgeError{Op: op, Provider: c.agg.Name(), Err: err}
}

func validateRequest(req RouteRequest) error {
	fail := func(format string, args ...interface{}) error {
		return &BridgeError{Op: "routes", Provider: "-", Err: fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidRequest}, args...)...)}
	}
	if _, err := networks.Lookup(req.SourceNetwork); err != nil {
		return fail("source: %v", err)
	}
	if _, err := networks.Lookup(req.TargetNetwork); err != nil {
		return fail("target: %v", err)
	}
	if _, err := tokenamount.ParseBaseUnits(req.Amount); err != nil {
		return fail("%v", err)
	}
	if err := networks.ValidateTokenAddress(req.SourceNetwork, req.TokenAddress); err != nil {
		return fail("%v", err)
	}
	if err := networks.ValidateWalletAddress(req.SourceNetwork, req.FromAddress); err != nil {
		return fail("from: %v", err)
	}
	if err := networks.ValidateWalletAddress(req.TargetNetwork, req.ToAddress); err != nil {
		return fail("to: %v", err)
	}
	return nil
}
