package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryKV() *memoryKV { return &memoryKV{values: map[string]string{}} }

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryKV) Set(_ context.Context, key, value, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryKV) ListPrefix(_ context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []interfaces.KeyValuePair
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			pairs = append(pairs, interfaces.KeyValuePair{Key: k, Value: v})
		}
	}
	return pairs, nil
}

type delivery struct {
	config *Config
	to     string
	msg    []byte
}

func newTestService(kv interfaces.KeyValueStorage) (*Service, *[]delivery) {
	svc := NewService(kv, arbor.NewLogger())
	svc.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
	var sent []delivery
	svc.deliver = func(config *Config, to string, msg []byte) error {
		sent = append(sent, delivery{config: config, to: to, msg: msg})
		return nil
	}
	return svc, &sent
}

func seededConfig() common.EmailConfig {
	return common.EmailConfig{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     2525,
		SMTPUsername: "alerts@example.com",
		SMTPPassword: "secret",
		SMTPFromName: "Marketfinder",
		SMTPUseTLS:   false,
	}
}

func TestSendEmail_UnconfiguredIsNoop(t *testing.T) {
	svc, sent := newTestService(newMemoryKV())

	assert.False(t, svc.IsConfigured(context.Background()))
	require.NoError(t, svc.SendEmail(context.Background(), "you@example.com", "New Marketplace item", "Road bike"))
	assert.Empty(t, *sent)
}

func TestSeedFromConfig(t *testing.T) {
	kv := newMemoryKV()
	svc, _ := newTestService(kv)

	require.NoError(t, svc.SeedFromConfig(context.Background(), seededConfig()))

	config, err := svc.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", config.Host)
	assert.Equal(t, 2525, config.Port)
	assert.Equal(t, "alerts@example.com", config.Sender())
	assert.False(t, config.UseTLS)
	assert.True(t, svc.IsConfigured(context.Background()))

	// Empty values leave stored settings alone
	require.NoError(t, svc.SeedFromConfig(context.Background(), common.EmailConfig{}))
	config, err = svc.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", config.Host)
}

func TestSendEmail_ComposesPlainMessage(t *testing.T) {
	kv := newMemoryKV()
	svc, sent := newTestService(kv)
	require.NoError(t, svc.SeedFromConfig(context.Background(), seededConfig()))

	require.NoError(t, svc.SendEmail(context.Background(), "you@example.com", "New Marketplace item", "Road bike"))
	require.Len(t, *sent, 1)

	d := (*sent)[0]
	assert.Equal(t, "you@example.com", d.to)

	mr, err := mail.CreateReader(bytes.NewReader(d.msg))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "New Marketplace item", subject)

	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "alerts@example.com", from[0].Address)
	assert.Equal(t, "Marketfinder", from[0].Name)

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Road bike", string(body))
}

func TestSendHTMLEmail_ComposesAlternativeParts(t *testing.T) {
	kv := newMemoryKV()
	svc, sent := newTestService(kv)
	require.NoError(t, svc.SeedFromConfig(context.Background(), seededConfig()))

	require.NoError(t, svc.SendHTMLEmail(context.Background(), "you@example.com", "Digest", "<b>Road bike</b>", "Road bike"))
	require.Len(t, *sent, 1)

	mr, err := mail.CreateReader(bytes.NewReader((*sent)[0].msg))
	require.NoError(t, err)

	var types []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, err := h.ContentType()
			require.NoError(t, err)
			types = append(types, ct)
		}
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
}

func TestSendEmail_DeliveryFailureIsReturned(t *testing.T) {
	kv := newMemoryKV()
	svc, _ := newTestService(kv)
	require.NoError(t, svc.SeedFromConfig(context.Background(), seededConfig()))

	refused := errors.New("connection refused")
	svc.deliver = func(*Config, string, []byte) error { return refused }

	err := svc.SendEmail(context.Background(), "you@example.com", "s", "b")
	assert.ErrorIs(t, err, refused)
}

func TestSetConfig_RoundTrip(t *testing.T) {
	svc, _ := newTestService(newMemoryKV())

	in := &Config{Host: "mail.example.com", Port: 465, Username: "u", Password: "p", From: "noreply@example.com", FromName: "Alerts", UseTLS: true}
	require.NoError(t, svc.SetConfig(context.Background(), in))

	out, err := svc.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "noreply@example.com", out.Sender())
}
