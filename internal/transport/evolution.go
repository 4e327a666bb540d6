package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmehdipour/cart-recovery/internal/config"
)

const providerEvolution = "evolution"

// EvolutionClient talks to the unofficial WhatsApp bridge. One breaker per instance.
type EvolutionClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	endpoints *endpoints
}

func NewEvolutionClient(cfg config.EvolutionConfig) *EvolutionClient {
	return &EvolutionClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: clientTimeout(cfg.TimeoutMs)},
		endpoints: newEndpoints(cfg.Breaker, cfg.RPS),
	}
}

type evolutionSendText struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type evolutionResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// Instance binds the client to one bridge session.
func (c *EvolutionClient) Instance(name string) Sender {
	return &evolutionSender{c: c, instance: name}
}

type evolutionSender struct {
	c        *EvolutionClient
	instance string
}

func (s *evolutionSender) Send(ctx context.Context, to string, p Payload) (string, error) {
	u := s.c.baseURL + "/message/sendText/" + url.PathEscape(s.instance)
	req, err := newJSONRequest(ctx, u, evolutionSendText{Number: to, Text: p.Text})
	if err != nil {
		return "", err
	}

	req.Header.Set("apikey", s.c.apiKey)

	var res evolutionResponse
	if err := s.c.endpoints.get(s.instance).call(ctx, s.c.client, providerEvolution, req, &res); err != nil {
		return "", err
	}

	if res.Key.ID == "" {
		return "", ErrNoMessageID
	}

	return res.Key.ID, nil
}
