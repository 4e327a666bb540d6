package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmehdipour/cart-recovery/internal/config"
)

const providerCloud = "cloud_api"

// CloudClient sends approved templates through the WhatsApp Cloud API. One breaker per number.
type CloudClient struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	endpoints  *endpoints
}

func NewCloudClient(cfg config.CloudAPIConfig) *CloudClient {
	return &CloudClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: clientTimeout(cfg.TimeoutMs)},
		endpoints:  newEndpoints(cfg.Breaker, cfg.RPS),
	}
}

type cloudTemplateMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Template         cloudTemplate `json:"template"`
}

type cloudTemplate struct {
	Name       string           `json:"name"`
	Language   cloudLanguage    `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudLanguage struct {
	Code string `json:"code"`
}

type cloudComponent struct {
	Type       string           `json:"type"`
	Parameters []cloudParameter `json:"parameters"`
}

type cloudParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Number binds the client to one business phone number.
func (c *CloudClient) Number(phoneNumberID, token, apiVersion string) Sender {
	if apiVersion == "" {
		apiVersion = c.apiVersion
	}
	return &cloudSender{c: c, phoneNumberID: phoneNumberID, token: token, version: apiVersion}
}

type cloudSender struct {
	c             *CloudClient
	phoneNumberID string
	token         string
	version       string
}

func (s *cloudSender) Send(ctx context.Context, to string, p Payload) (string, error) {
	lang := p.Language
	if lang == "" {
		lang = "pt_BR"
	}

	msg := cloudTemplateMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template:         cloudTemplate{Name: p.Template, Language: cloudLanguage{Code: lang}},
	}
	if len(p.Params) > 0 {
		params := make([]cloudParameter, 0, len(p.Params))
		for _, v := range p.Params {
			params = append(params, cloudParameter{Type: "text", Text: v})
		}
		msg.Template.Components = []cloudComponent{{Type: "body", Parameters: params}}
	}

	u := fmt.Sprintf("%s/%s/%s/messages", s.c.baseURL, s.version, s.phoneNumberID)
	req, err := newJSONRequest(ctx, u, msg)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Bearer "+s.token)

	var res cloudResponse
	if err := s.c.endpoints.get(s.phoneNumberID).call(ctx, s.c.client, providerCloud, req, &res); err != nil {
		return "", err
	}

	if len(res.Messages) == 0 || res.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}

	return res.Messages[0].ID, nil
}
