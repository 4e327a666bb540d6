package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/cart-recovery/internal/config"
)

func TestBreaker_OpensAndProbes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, 30*time.Second)
	b.now = func() time.Time { return now }

	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.True(t, b.Ready())
	b.OnFailure()

	assert.False(t, b.Ready())
	assert.False(t, b.TryAcquire())
	assert.Equal(t, 30*time.Second, b.RetryIn())

	now = now.Add(31 * time.Second)
	assert.True(t, b.TryAcquire(), "probe after open period")
	assert.False(t, b.TryAcquire(), "single probe in flight")

	b.OnFailure()
	assert.False(t, b.Ready(), "failed probe reopens")

	now = now.Add(31 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.True(t, b.Ready())
	assert.Zero(t, b.RetryIn())
}

func TestEvolutionSender(t *testing.T) {
	var got evolutionSendText
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendText/loja-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"key":{"id":"BAE5F2"},"status":"PENDING"}`))
	}))
	defer srv.Close()

	c := NewEvolutionClient(config.EvolutionConfig{BaseURL: srv.URL + "/", APIKey: "secret", TimeoutMs: 2000})
	id, err := c.Instance("loja-1").Send(context.Background(), "5511999999999", Payload{Text: "Oi Ana"})
	require.NoError(t, err)
	assert.Equal(t, "BAE5F2", id)
	assert.Equal(t, evolutionSendText{Number: "5511999999999", Text: "Oi Ana"}, got)
}

func TestEvolutionSender_ErrorTripsBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewEvolutionClient(config.EvolutionConfig{
		BaseURL: srv.URL,
		Breaker: config.BreakerConfig{FailThreshold: 2, OpenForMs: 60000},
	})
	s := c.Instance("loja-1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Send(ctx, "5511999999999", Payload{Text: "x"})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadGateway, se.Status)
	}

	_, err := s.Send(ctx, "5511999999999", Payload{Text: "x"})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 2, calls)

	// other instances keep their own breaker
	_, err = c.Instance("loja-2").Send(ctx, "5511999999999", Payload{Text: "x"})
	assert.NotErrorIs(t, err, ErrBreakerOpen)
}

func TestCloudSender(t *testing.T) {
	var got cloudTemplateMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/1098765/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.HBgM"}]}`))
	}))
	defer srv.Close()

	c := NewCloudClient(config.CloudAPIConfig{BaseURL: srv.URL, APIVersion: "v21.0"})
	id, err := c.Number("1098765", "tok", "").Send(context.Background(), "5511999999999", Payload{
		Template: "carrinho_abandonado",
		Params:   []string{"Ana", "Tênis", "https://loja.example/c/1", "R$ 250,00"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.HBgM", id)

	assert.Equal(t, "template", got.Type)
	assert.Equal(t, "pt_BR", got.Template.Language.Code)
	require.Len(t, got.Template.Components, 1)
	require.Len(t, got.Template.Components[0].Parameters, 4)
	assert.Equal(t, "R$ 250,00", got.Template.Components[0].Parameters[3].Text)
}

func TestCloudSender_NoMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	c := NewCloudClient(config.CloudAPIConfig{BaseURL: srv.URL, APIVersion: "v21.0"})
	_, err := c.Number("1", "tok", "").Send(context.Background(), "5511999999999", Payload{Template: "t"})
	assert.ErrorIs(t, err, ErrNoMessageID)
}
