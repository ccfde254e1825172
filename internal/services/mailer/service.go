// -----------------------------------------------------------------------
// Mailer Service - SMTP notification email
// Settings live in KeyValue storage under the smtp_ prefix and are seeded
// from the [email] config section at startup
// -----------------------------------------------------------------------

package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

const (
	keyPrefix   = "smtp_"
	keyHost     = "smtp_host"
	keyPort     = "smtp_port"
	keyUsername = "smtp_username"
	keyPassword = "smtp_password"
	keyFrom     = "smtp_from"
	keyFromName = "smtp_from_name"
	keyUseTLS   = "smtp_use_tls"
)

// Config holds SMTP configuration loaded from KeyValue storage
type Config struct {
	Host     string `json:"smtp_host"`
	Port     int    `json:"smtp_port"`
	Username string `json:"smtp_username"`
	Password string `json:"smtp_password,omitempty"`
	From     string `json:"smtp_from"`
	FromName string `json:"smtp_from_name"`
	UseTLS   bool   `json:"smtp_use_tls"`
}

// Sender returns the envelope sender, falling back to the username
func (c *Config) Sender() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

// deliverFunc hands a composed message to the SMTP server
type deliverFunc func(config *Config, to string, msg []byte) error

// Service sends notification email. It is a silent no-op until host,
// username and password are configured.
type Service struct {
	kvStorage interfaces.KeyValueStorage
	logger    arbor.ILogger
	deliver   deliverFunc
	now       func() time.Time
}

var _ interfaces.EmailSender = (*Service)(nil)

// NewService creates a new mailer service
func NewService(kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	s := &Service{
		kvStorage: kvStorage,
		logger:    logger,
		now:       time.Now,
	}
	s.deliver = s.deliverSMTP
	return s
}

// SeedFromConfig writes every non-empty [email] value into KV storage so
// environment and file configuration take precedence over stale entries
func (s *Service) SeedFromConfig(ctx context.Context, cfg common.EmailConfig) error {
	seed := []struct {
		key, value, description string
	}{
		{keyHost, cfg.SMTPHost, "SMTP server hostname"},
		{keyUsername, cfg.SMTPUsername, "SMTP username (email address)"},
		{keyPassword, cfg.SMTPPassword, "SMTP password or app password"},
		{keyFrom, cfg.SMTPFrom, "From email address"},
		{keyFromName, cfg.SMTPFromName, "From display name"},
	}
	if cfg.SMTPPort > 0 {
		seed = append(seed, struct{ key, value, description string }{keyPort, strconv.Itoa(cfg.SMTPPort), "SMTP server port"})
	}
	if cfg.SMTPHost != "" {
		seed = append(seed, struct{ key, value, description string }{keyUseTLS, strconv.FormatBool(cfg.SMTPUseTLS), "Use TLS encryption"})
	}

	seeded := 0
	for _, item := range seed {
		if item.value == "" {
			continue
		}
		if err := s.kvStorage.Set(ctx, item.key, item.value, item.description); err != nil {
			return fmt.Errorf("failed to seed %s: %w", item.key, err)
		}
		seeded++
	}

	s.logger.Debug().Int("seeded", seeded).Msg("Mail configuration seeded from config")
	return nil
}

// GetConfig reads every smtp_ key in one pass; missing keys keep their defaults
func (s *Service) GetConfig(ctx context.Context) (*Config, error) {
	config := &Config{
		Port:     587,
		UseTLS:   true,
		FromName: "Marketfinder",
	}

	pairs, err := s.kvStorage.ListPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to read mail configuration: %w", err)
	}

	for _, pair := range pairs {
		switch pair.Key {
		case keyHost:
			config.Host = pair.Value
		case keyPort:
			if port, err := strconv.Atoi(pair.Value); err == nil {
				config.Port = port
			}
		case keyUsername:
			config.Username = pair.Value
		case keyPassword:
			config.Password = pair.Value
		case keyFrom:
			config.From = pair.Value
		case keyFromName:
			if pair.Value != "" {
				config.FromName = pair.Value
			}
		case keyUseTLS:
			if pair.Value != "" {
				config.UseTLS = strings.EqualFold(pair.Value, "true") || pair.Value == "1"
			}
		}
	}

	return config, nil
}

// SetConfig saves SMTP configuration to KeyValue storage
func (s *Service) SetConfig(ctx context.Context, config *Config) error {
	values := []struct {
		key, value, description string
	}{
		{keyHost, config.Host, "SMTP server hostname"},
		{keyPort, strconv.Itoa(config.Port), "SMTP server port"},
		{keyUsername, config.Username, "SMTP username (email address)"},
		{keyPassword, config.Password, "SMTP password or app password"},
		{keyFrom, config.From, "From email address"},
		{keyFromName, config.FromName, "From display name"},
		{keyUseTLS, strconv.FormatBool(config.UseTLS), "Use TLS encryption"},
	}

	for _, v := range values {
		if err := s.kvStorage.Set(ctx, v.key, v.value, v.description); err != nil {
			return fmt.Errorf("failed to set %s: %w", v.key, err)
		}
	}

	s.logger.Info().
		Str("host", config.Host).
		Int("port", config.Port).
		Str("from", config.Sender()).
		Msg("Mail configuration saved")

	return nil
}

// IsConfigured checks if SMTP is configured with minimum required settings
func (s *Service) IsConfigured(ctx context.Context) bool {
	config, err := s.GetConfig(ctx)
	if err != nil {
		return false
	}
	return config.Host != "" && config.Username != "" && config.Password != ""
}

// SendEmail sends a plain text email; unconfigured SMTP drops it silently
func (s *Service) SendEmail(ctx context.Context, to, subject, body string) error {
	return s.SendHTMLEmail(ctx, to, subject, "", body)
}

// SendHTMLEmail sends an email with an HTML and/or plain text body
func (s *Service) SendHTMLEmail(ctx context.Context, to, subject, htmlBody, textBody string) error {
	config, err := s.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get mail config: %w", err)
	}

	if config.Host == "" || config.Username == "" || config.Password == "" {
		s.logger.Debug().Str("subject", subject).Msg("SMTP not configured, email skipped")
		return nil
	}

	msg, err := s.compose(config, to, subject, htmlBody, textBody)
	if err != nil {
		return err
	}

	if err := s.deliver(config, to, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Msg("Email sent")
	return nil
}

// compose builds an RFC 5322 message
func (s *Service) compose(config *Config, to, subject, htmlBody, textBody string) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: config.FromName, Address: config.Sender()}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer

	if htmlBody == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		if _, err := io.WriteString(w, textBody); err != nil {
			return nil, fmt.Errorf("failed to write message body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create message body: %w", err)
	}

	parts := []struct{ contentType, body string }{
		{"text/plain", textBody},
		{"text/html", htmlBody},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, fmt.Errorf("failed to write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish %s part: %w", p.contentType, err)
		}
	}

	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) deliverSMTP(config *Config, to string, msg []byte) error {
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	if !config.UseTLS {
		return smtp.SendMail(addr, auth, config.Sender(), []string{to}, msg)
	}

	// Implicit TLS (465) first, STARTTLS (587) when the server speaks plain SMTP
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: config.Host})
	if err != nil {
		return s.sendWithSTARTTLS(addr, auth, config, to, msg)
	}

	client, err := smtp.NewClient(conn, config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	return transmit(client, auth, config.Sender(), to, msg)
}

func (s *Service) sendWithSTARTTLS(addr string, auth smtp.Auth, config *Config, to string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: config.Host}); err != nil {
		return fmt.Errorf("failed to start TLS: %w", err)
	}

	return transmit(client, auth, config.Sender(), to, msg)
}

func transmit(client *smtp.Client, auth smtp.Auth, from, to string, msg []byte) error {
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set mail recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}
