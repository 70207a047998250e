// Package email sends transactional notifications about payments and subscriptions.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrNoRecipient is returned when a message has no address to deliver to.
var ErrNoRecipient = errors.New("email has no recipient")

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers messages. Callers treat delivery as best-effort.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.From == "" {
		cfg.From = "no-reply@localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// Send delivers msg. smtp.SendMail is not context aware, so the call runs
// in a goroutine and Send returns when ctx or the timeout expires.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}

	var auth smtp.Auth
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, auth, s.cfg.From, []string{msg.To}, s.render(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.WarnContext(ctx, "smtp send failed",
				slog.String("addr", addr),
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return fmt.Errorf("smtp send: %w", err)
		}
		s.logger.DebugContext(ctx, "email sent", slog.String("subject", msg.Subject))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func (s *SMTPSender) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.cfg.From, msg.To, msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return b.Bytes()
}

// LogSender logs messages instead of delivering them. Used when no SMTP
// relay is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	s.logger.InfoContext(ctx, "email (not delivered)",
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.HTML)))
	return nil
}

var templates = template.Must(template.New("email").Parse(`
{{define "payment_approved"}}<p>Your payment of <strong>{{.Amount}}</strong> was approved.</p><p>Reference: {{.Reference}}</p>{{end}}
{{define "payment_refunded"}}<p>Your payment of <strong>{{.Amount}}</strong> was refunded.</p><p>Reference: {{.Reference}}</p>{{end}}
{{define "payment_rejected"}}<p>Your payment of <strong>{{.Amount}}</strong> was not completed ({{.Status}}).</p><p>Reference: {{.Reference}}</p>{{end}}
{{define "subscription_welcome"}}<p>Your subscription to <strong>{{.Plan}}</strong> is active.</p><p>Next billing date: {{.Date}}</p>{{end}}
{{define "subscription_renewed"}}<p>Your subscription was renewed until {{.Date}}.</p>{{end}}
{{define "card_updated"}}<p>The card ending in <strong>{{.LastFour}}</strong> is now used for your subscription.</p>{{end}}
{{define "chargeback_received"}}<p>We received a chargeback for payment {{.Reference}}. Access linked to it has been suspended while the dispute is open.</p>{{end}}
{{define "claim_opened"}}<p>A claim ({{.Reference}}) was opened for your purchase. Our team will get back to you.</p>{{end}}
{{define "claim_resolved"}}<p>Your claim {{.Reference}} was closed.</p>{{end}}
`))

// templateData is the union of fields the templates read.
type templateData struct {
	Amount    string
	Reference string
	Plan      string
	Date      string
	LastFour  string
	Status    string
}

func build(to, subject, name string, data templateData) (Message, error) {
	var b bytes.Buffer
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: b.String()}, nil
}

// FormatBRL formats cents as a BRL amount.
func FormatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%sR$ %d,%02d", sign, cents/100, cents%100)
}

func formatDate(t time.Time) string {
	return t.Format("02/01/2006")
}

// PaymentApproved renders the payment confirmation.
func PaymentApproved(to string, amount int64, reference string) (Message, error) {
	return build(to, "Payment approved", "payment_approved", templateData{Amount: FormatBRL(amount), Reference: reference})
}

// PaymentRefunded renders the refund confirmation.
func PaymentRefunded(to string, amount int64, reference string) (Message, error) {
	return build(to, "Payment refunded", "payment_refunded", templateData{Amount: FormatBRL(amount), Reference: reference})
}

// PaymentRejected renders the notice for a payment that was rejected or cancelled.
func PaymentRejected(to string, amount int64, reference, status string) (Message, error) {
	return build(to, "Payment not completed", "payment_rejected", templateData{Amount: FormatBRL(amount), Reference: reference, Status: status})
}

// SubscriptionWelcome renders the welcome message for a newly active subscription.
func SubscriptionWelcome(to, plan string, nextBilling time.Time) (Message, error) {
	return build(to, "Your subscription is active", "subscription_welcome", templateData{Plan: plan, Date: formatDate(nextBilling)})
}

// SubscriptionRenewed renders the renewal notice.
func SubscriptionRenewed(to string, periodEnd time.Time) (Message, error) {
	return build(to, "Subscription renewed", "subscription_renewed", templateData{Date: formatDate(periodEnd)})
}

// CardUpdated renders the card change confirmation.
func CardUpdated(to, lastFour string) (Message, error) {
	return build(to, "Payment card updated", "card_updated", templateData{LastFour: lastFour})
}

// ChargebackReceived renders the chargeback notice.
func ChargebackReceived(to, paymentReference string) (Message, error) {
	return build(to, "Chargeback received", "chargeback_received", templateData{Reference: paymentReference})
}

// ClaimOpened renders the claim acknowledgement.
func ClaimOpened(to, claimID string) (Message, error) {
	return build(to, "Claim received", "claim_opened", templateData{Reference: claimID})
}

// ClaimResolved renders the claim closure notice.
func ClaimResolved(to, claimID string) (Message, error) {
	return build(to, "Claim closed", "claim_resolved", templateData{Reference: claimID})
}
