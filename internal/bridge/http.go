package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/networks"
)

// HTTPAggregator talks to a LI.FI-compatible REST aggregator.
type HTTPAggregator struct {
	baseURL    string
	apiKey     string
	integrator string
	httpClient *http.Client
}

// NewHTTPAggregator creates a REST aggregator client.
func NewHTTPAggregator(baseURL, apiKey, integrator string, timeout time.Duration) (*HTTPAggregator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("bridge aggregator URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPAggregator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		integrator: integrator,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (a *HTTPAggregator) Name() string { return "lifi" }
func (a *HTTPAggregator) IsMock() bool { return false }

type routesRequest struct {
	FromChainID      string        `json:"fromChainId"`
	ToChainID        string        `json:"toChainId"`
	FromAmount       string        `json:"fromAmount"`
	FromTokenAddress string        `json:"fromTokenAddress"`
	ToTokenAddress   string        `json:"toTokenAddress"`
	FromAddress      string        `json:"fromAddress"`
	ToAddress        string        `json:"toAddress"`
	Options          routesOptions `json:"options"`
}

type routesOptions struct {
	Integrator string `json:"integrator,omitempty"`
	Order      string `json:"order"`
}

type routesResponse struct {
	Routes []apiRoute `json:"routes"`
}

type apiRoute struct {
	ID         string    `json:"id"`
	FromAmount string    `json:"fromAmount"`
	ToAmount   string    `json:"toAmount"`
	GasCostUSD string    `json:"gasCostUSD"`
	Steps      []apiStep `json:"steps"`
	Tags       []string  `json:"tags"`
	Insurance  struct {
		State string `json:"state"`
	} `json:"insurance"`
}

type apiStep struct {
	Tool     string `json:"tool"`
	Estimate struct {
		ExecutionDuration float64 `json:"executionDuration"`
		FeeCosts          []struct {
			AmountUSD string `json:"amountUSD"`
		} `json:"feeCosts"`
	} `json:"estimate"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Aggregator error codes that describe the request rather than an outage.
const (
	codeNoQuote               = 1002
	codeInsufficientLiquidity = 1007
)

// Routes requests candidate routes.
//
// API endpoint: POST {baseURL}/advanced/routes
func (a *HTTPAggregator) Routes(ctx context.Context, req RouteRequest) ([]Route, error) {
	toToken := req.ToTokenAddress
	if toToken == "" {
		toToken = req.TokenAddress
	}
	body := routesRequest{
		FromChainID:      chainKey(req.SourceNetwork),
		ToChainID:        chainKey(req.TargetNetwork),
		FromAmount:       req.Amount,
		FromTokenAddress: req.TokenAddress,
		ToTokenAddress:   toToken,
		FromAddress:      req.FromAddress,
		ToAddress:        req.ToAddress,
		Options:          routesOptions{Integrator: a.integrator, Order: "RECOMMENDED"},
	}

	var resp routesResponse
	status, apiErr, err := a.do(ctx, http.MethodPost, "/advanced/routes", body, &resp)
	if err != nil {
		return nil, &BridgeError{Op: "routes", Provider: a.Name(), Err: err}
	}
	if apiErr != nil {
		switch {
		case apiErr.Code == codeInsufficientLiquidity || strings.Contains(strings.ToLower(apiErr.Message), "liquidity"):
			return nil, &InsufficientLiquidityError{SourceNetwork: req.SourceNetwork, TargetNetwork: req.TargetNetwork, Amount: req.Amount}
		case apiErr.Code == codeNoQuote || status == http.StatusNotFound:
			return nil, &NoRouteError{SourceNetwork: req.SourceNetwork, TargetNetwork: req.TargetNetwork}
		default:
			return nil, a.statusError("routes", status, apiErr)
		}
	}

	routes := make([]Route, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		routes = append(routes, a.toRoute(r, req))
	}
	return routes, nil
}

func (a *HTTPAggregator) toRoute(r apiRoute, req RouteRequest) Route {
	fee := parseUSD(r.GasCostUSD)
	var seconds float64
	tools := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		seconds += s.Estimate.ExecutionDuration
		tools = append(tools, s.Tool)
		for _, f := range s.Estimate.FeeCosts {
			fee = fee.Add(parseUSD(f.AmountUSD))
		}
	}
	return Route{
		ID:              r.ID,
		Provider:        a.Name(),
		Tools:           tools,
		SourceNetwork:   req.SourceNetwork,
		TargetNetwork:   req.TargetNetwork,
		FromAmount:      r.FromAmount,
		ToAmount:        r.ToAmount,
		TokenAddress:    req.TokenAddress,
		FromAddress:     req.FromAddress,
		ToAddress:       req.ToAddress,
		DurationSeconds: int64(seconds),
		FeeUSD:          fee,
		Hops:            len(r.Steps),
		Insured:         strings.EqualFold(r.Insurance.State, "INSURED") || strings.EqualFold(r.Insurance.State, "INSURABLE"),
	}
}

type executeRequest struct {
	RouteID     string            `json:"routeId"`
	FromAddress string            `json:"fromAddress"`
	ToAddress   string            `json:"toAddress"`
	Integrator  string            `json:"integrator,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type executeResponse struct {
	ExecutionID     string `json:"executionId"`
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
}

// Execute submits a route for managed execution.
//
// API endpoint: POST {baseURL}/executions
func (a *HTTPAggregator) Execute(ctx context.Context, route Route, dealID string) (*Execution, error) {
	body := executeRequest{
		RouteID:     route.ID,
		FromAddress: route.FromAddress,
		ToAddress:   route.ToAddress,
		Integrator:  a.integrator,
		Metadata:    map[string]string{"dealId": dealID},
	}
	var resp executeResponse
	status, apiErr, err := a.do(ctx, http.MethodPost, "/executions", body, &resp)
	if err != nil {
		return nil, &BridgeError{Op: "execute", Provider: a.Name(), Err: err}
	}
	if apiErr != nil {
		if strings.Contains(strings.ToLower(apiErr.Message), "liquidity") {
			return nil, &InsufficientLiquidityError{SourceNetwork: route.SourceNetwork, TargetNetwork: route.TargetNetwork, Amount: route.FromAmount}
		}
		return nil, a.statusError("execute", status, apiErr)
	}
	if resp.ExecutionID == "" {
		return nil, &BridgeError{Op: "execute", Provider: a.Name(), Err: fmt.Errorf("%w: empty execution id", ErrExecutionRejected)}
	}
	st := NormalizeStatus(resp.Status, "")
	if st == StatusUnknown || st == StatusNotStarted {
		st = StatusPending
	}
	return &Execution{
		ExecutionID:     resp.ExecutionID,
		TransactionHash: resp.TransactionHash,
		Status:          st,
		Provider:        a.Name(),
		SubmittedAt:     time.Now(),
	}, nil
}

type statusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Receiving struct {
		TxHash string `json:"txHash"`
	} `json:"receiving"`
}

// Status polls an execution.
//
// API endpoint: GET {baseURL}/status?executionId={id}
func (a *HTTPAggregator) Status(ctx context.Context, executionID string) (*StatusReport, error) {
	var resp statusResponse
	path := "/status?executionId=" + url.QueryEscape(executionID)
	status, apiErr, err := a.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, &BridgeError{Op: "status", Provider: a.Name(), Err: err}
	}
	if apiErr != nil {
		if status == http.StatusNotFound {
			return &StatusReport{ExecutionID: executionID, Status: StatusNotStarted, RawStatus: "NOT_FOUND"}, nil
		}
		return nil, a.statusError("status", status, apiErr)
	}
	return &StatusReport{
		ExecutionID:     executionID,
		Status:          NormalizeStatus(resp.Status, resp.Substatus),
		RawStatus:       resp.Status,
		Substatus:       resp.Substatus,
		ReceivingTxHash: resp.Receiving.TxHash,
	}, nil
}

// do performs one request. A non-2xx response is returned as apiErr with a
// nil err; err is reserved for transport and decoding failures.
func (a *HTTPAggregator) do(ctx context.Context, method, path string, in, out interface{}) (int, *apiError, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: encode request: %v", ErrInvalidRequest, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("x-lifi-api-key", a.apiKey)
	}
	if a.integrator != "" {
		req.Header.Set("x-lifi-integrator", a.integrator)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrAggregatorUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrAggregatorUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{}
		if jsonErr := json.Unmarshal(data, ae); jsonErr != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, ae, nil
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("%w: decode response: %v", ErrAggregatorUnavailable, err)
		}
	}
	return resp.StatusCode, nil, nil
}

func (a *HTTPAggregator) statusError(op string, status int, ae *apiError) error {
	var sentinel error
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		sentinel = ErrAggregatorUnavailable
	case op == "execute":
		sentinel = ErrExecutionRejected
	case op == "status" && status == http.StatusNotFound:
		sentinel = ErrUnknownExecution
	default:
		sentinel = ErrInvalidRequest
	}
	return &BridgeError{Op: op, Provider: a.Name(), Err: fmt.Errorf("%w: status %d: %s", sentinel, status, ae.Message)}
}

// chainKey is the aggregator's chain identifier: the EVM chain id where one
// exists, otherwise the network name.
func chainKey(network string) string {
	n, err := networks.Lookup(network)
	if err == nil && n.ChainID > 0 {
		return strconv.FormatInt(n.ChainID, 10)
	}
	if err == nil && n.Family == networks.FamilySolana {
		return "SOL"
	}
	return networks.Normalize(network)
}

func parseUSD(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ Aggregator = (*HTTPAggregator)(nil)
