// Package transport sends rendered messages through the WhatsApp bridge or the Cloud API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

var (
	ErrBreakerOpen = errors.New("transport: endpoint circuit open")
	ErrNoMessageID = errors.New("transport: provider returned no message id")
)

// Payload is what a channel delivers. Unofficial sends use Text; official sends use
// Template, Language and the positional Params.
type Payload struct {
	Text     string
	Template string
	Language string
	Params   []string
}

// Sender delivers one message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, to string, p Payload) (string, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider=%s status=%d body=%s", e.Provider, e.Status, e.Body)
}

// Factory builds senders bound to one channel endpoint. Endpoints keep their own breaker and
// pacing limiter across calls.
type Factory interface {
	ForInstance(inst *model.ChannelInstance) Sender
	ForCredential(cred *model.OfficialCredential) Sender
}

type endpoint struct {
	br  *Breaker
	lim *rate.Limiter
}

type endpoints struct {
	mu        sync.Mutex
	m         map[string]*endpoint
	threshold int
	openFor   time.Duration
	rps       float64
}

func newEndpoints(b config.BreakerConfig, rps float64) *endpoints {
	return &endpoints{
		m:         map[string]*endpoint{},
		threshold: b.FailThreshold,
		openFor:   time.Duration(b.OpenForMs) * time.Millisecond,
		rps:       rps,
	}
}

func (e *endpoints) get(name string) *endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.m[name]
	if !ok {
		lim := rate.NewLimiter(rate.Inf, 1)
		if e.rps > 0 {
			lim = rate.NewLimiter(rate.Limit(e.rps), 1)
		}
		ep = &endpoint{br: NewBreaker(e.threshold, e.openFor), lim: lim}
		e.m[name] = ep
	}
	return ep
}

// call runs one guarded request: breaker admission, pacing, POST, breaker bookkeeping.
func (ep *endpoint) call(ctx context.Context, client *http.Client, provider string, req *http.Request, out any) error {
	if !ep.br.TryAcquire() {
		return fmt.Errorf("%w (retry in %s)", ErrBreakerOpen, ep.br.RetryIn().Round(time.Second))
	}
	if err := ep.lim.Wait(ctx); err != nil {
		ep.br.OnFailure()
		return err
	}

	start := time.Now()
	err := doJSON(client, provider, req, out)
	metrics.TransportLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		ep.br.OnFailure()
		return err
	}

	ep.br.OnSuccess()

	return nil
}

func newJSONRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func doJSON(client *http.Client, provider string, req *http.Request, out any) error {
	res, err := client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode/100 != 2 {
		return &StatusError{Provider: provider, Status: res.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("provider=%s decode response: %w", provider, err)
	}

	return nil
}

// HTTPFactory wires the Evolution bridge and Cloud API clients.
type HTTPFactory struct {
	evolution *EvolutionClient
	cloud     *CloudClient
}

func NewHTTPFactory(evo config.EvolutionConfig, cloud config.CloudAPIConfig) *HTTPFactory {
	return &HTTPFactory{
		evolution: NewEvolutionClient(evo),
		cloud:     NewCloudClient(cloud),
	}
}

var _ Factory = (*HTTPFactory)(nil)

func (f *HTTPFactory) ForInstance(inst *model.ChannelInstance) Sender {
	return f.evolution.Instance(inst.InstanceName)
}

func (f *HTTPFactory) ForCredential(cred *model.OfficialCredential) Sender {
	return f.cloud.Number(cred.PhoneNumberID, cred.AccessToken, cred.APIVersion)
}

func clientTimeout(ms int) time.Duration {
	if ms <= 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}
