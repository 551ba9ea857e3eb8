// Package broker implements the L2 broker proxy: the single outbound gateway
// to the account's broker for position/order reads and cancellations.
//
// Requests are rate-limited through a single background worker, the same
// shape the Tradernet SDK client uses to stay under its API's request
// budget: callers enqueue a job and block on a per-call result channel, the
// worker drains the queue one job at a time with a fixed delay between
// requests.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRateLimitDelay = 300 * time.Millisecond
	requestQueueSize      = 256
)

type requestJob struct {
	ctx      context.Context
	method   string
	path     string
	body     interface{}
	resultCh chan requestResult
}

type requestResult struct {
	status int
	data   []byte
	err    error
}

// Proxy is the broker proxy client. It owns an HTTP client and a single
// worker goroutine that serializes every outbound call.
type Proxy struct {
	baseURL      string
	apiKey       string
	apiSecret    string
	httpClient   *http.Client
	log          zerolog.Logger
	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
	once         sync.Once
	rateLimitGap time.Duration
}

// NewProxy creates a broker proxy and starts its rate-limiting worker.
func NewProxy(baseURL, apiKey, apiSecret string, log zerolog.Logger) *Proxy {
	p := &Proxy{
		baseURL:      baseURL,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		log:          log.With().Str("component", "broker_proxy").Logger(),
		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
		rateLimitGap: defaultRateLimitDelay,
	}
	go p.worker()
	return p
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (p *Proxy) Close() {
	p.once.Do(func() {
		close(p.stopChan)
		close(p.requestQueue)
		<-p.workerDone
	})
}

func (p *Proxy) enqueue(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	resultCh := make(chan requestResult, 1)
	job := requestJob{ctx: ctx, method: method, path: path, body: body, resultCh: resultCh}

	select {
	case p.requestQueue <- job:
	case <-p.stopChan:
		return nil, 0, fmt.Errorf("broker proxy is closed")
	default:
		return nil, 0, fmt.Errorf("broker proxy request queue is full")
	}

	select {
	case result := <-resultCh:
		return result.data, result.status, result.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (p *Proxy) worker() {
	defer close(p.workerDone)

	var lastRequestTime time.Time
	first := true

	process := func(job requestJob) {
		if !first {
			if elapsed := time.Since(lastRequestTime); elapsed < p.rateLimitGap {
				time.Sleep(p.rateLimitGap - elapsed)
			}
		}
		first = false

		data, status, err := p.doRequest(job.ctx, job.method, job.path, job.body)
		lastRequestTime = time.Now()
		job.resultCh <- requestResult{status: status, data: data, err: err}
	}

	for {
		select {
		case <-p.stopChan:
			for {
				select {
				case job, ok := <-p.requestQueue:
					if !ok {
						return
					}
					process(job)
				default:
					return
				}
			}
		case job, ok := <-p.requestQueue:
			if !ok {
				return
			}
			process(job)
		}
	}
}

func (p *Proxy) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("X-Api-Secret", p.apiSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read broker response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// FetchPositions returns the account's combined net+day positions.
func (p *Proxy) FetchPositions(ctx context.Context, accountID string) ([]Position, error) {
	data, status, err := p.enqueue(ctx, http.MethodGet, "/accounts/"+accountID+"/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch positions for %s: %w", accountID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch positions for %s: broker returned %d", accountID, status)
	}

	var out struct {
		Positions []Position `json:"positions"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}
	return out.Positions, nil
}

// FetchOrders returns the account's current order book.
func (p *Proxy) FetchOrders(ctx context.Context, accountID string) ([]Order, error) {
	data, status, err := p.enqueue(ctx, http.MethodGet, "/accounts/"+accountID+"/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch orders for %s: %w", accountID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch orders for %s: broker returned %d", accountID, status)
	}

	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}
	return out.Orders, nil
}

// CancelOrder cancels orderID for accountID. HTTP 200, 202 and 404 all count
// as success (spec §6.5): a 404 means the order is already gone, which is
// the outcome the caller wanted anyway.
func (p *Proxy) CancelOrder(ctx context.Context, accountID, orderID, variety string) (CancelResult, error) {
	if variety == "" {
		variety = "regular"
	}
	path := fmt.Sprintf("/accounts/%s/orders/%s?variety=%s", accountID, orderID, variety)

	_, status, err := p.enqueue(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel order %s for %s: %w", orderID, accountID, err)
	}

	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNotFound:
		return CancelResult{Success: true}, nil
	default:
		return CancelResult{}, fmt.Errorf("cancel order %s for %s: broker returned %d", orderID, accountID, status)
	}
}
