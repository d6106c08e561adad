// Package mailer sends email from a user's connected mailbox: Gmail through
// a raw RFC 5322 message, Outlook through Microsoft Graph sendMail.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/upstream"
)

// Message is an outgoing email.
type Message struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html,omitempty"`
}

// Validate checks the message has recipients, a subject and parseable addresses.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Subject) == "" {
		return apperr.Validation("subject is required")
	}
	to, err := parseAddresses(m.To)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		return apperr.Validation("at least one recipient is required")
	}
	if _, err := parseAddresses(m.Cc); err != nil {
		return err
	}
	if _, err := parseAddresses([]string{m.From, m.ReplyTo}); err != nil {
		return err
	}
	return nil
}

// Result identifies the sent message when the provider reports one.
type Result struct {
	Provider token.Provider `json:"provider"`
	ID       string         `json:"id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
}

// Sender dispatches messages to the provider API.
type Sender struct {
	calls upstream.Doer
	now   func() time.Time
}

// NewSender creates a Sender.
func NewSender(calls upstream.Doer) *Sender {
	return &Sender{calls: calls, now: time.Now}
}

// Send delivers msg from userEmail's mailbox at provider.
func (s *Sender) Send(ctx context.Context, userEmail, provider string, msg Message) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	p, err := token.ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	switch p {
	case token.ProviderGoogle:
		return s.sendGmail(ctx, userEmail, msg)
	case token.ProviderMicrosoft:
		return s.sendGraph(ctx, userEmail, msg)
	default:
		return nil, apperr.Validationf("provider %q cannot send email", provider)
	}
}

func (s *Sender) sendGmail(ctx context.Context, userEmail string, msg Message) (*Result, error) {
	raw, err := BuildMIME(msg, s.now())
	if err != nil {
		return nil, err
	}
	req, err := upstream.JSONRequest(http.MethodPost, "/gmail/v1/users/me/messages/send", map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.calls.Do(ctx, userEmail, string(token.ProviderGoogle), req)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := resp.DecodeJSON(string(token.ProviderGoogle), &out); err != nil {
		return nil, err
	}
	return &Result{Provider: token.ProviderGoogle, ID: out.ID, ThreadID: out.ThreadID}, nil
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

func graphRecipients(addrs []*mail.Address) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		var r graphRecipient
		r.EmailAddress.Address = a.Address
		r.EmailAddress.Name = a.Name
		out = append(out, r)
	}
	return out
}

func (s *Sender) sendGraph(ctx context.Context, userEmail string, msg Message) (*Result, error) {
	to, _ := parseAddresses(msg.To)
	cc, _ := parseAddresses(msg.Cc)

	contentType := "Text"
	if msg.HTML {
		contentType = "HTML"
	}
	message := map[string]any{
		"subject": msg.Subject,
		"body": map[string]string{
			"contentType": contentType,
			"content":     msg.Body,
		},
		"toRecipients": graphRecipients(to),
	}
	if len(cc) > 0 {
		message["ccRecipients"] = graphRecipients(cc)
	}
	if msg.ReplyTo != "" {
		replyTo, err := parseAddresses([]string{msg.ReplyTo})
		if err != nil {
			return nil, err
		}
		message["replyTo"] = graphRecipients(replyTo)
	}

	req, err := upstream.JSONRequest(http.MethodPost, "/me/sendMail", map[string]any{
		"message":         message,
		"saveToSentItems": true,
	})
	if err != nil {
		return nil, err
	}
	// Graph answers 202 with an empty body.
	if _, err := s.calls.Do(ctx, userEmail, string(token.ProviderMicrosoft), req); err != nil {
		return nil, err
	}
	return &Result{Provider: token.ProviderMicrosoft}, nil
}

// BuildMIME renders msg as a single-part RFC 5322 message.
func BuildMIME(msg Message, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(msg.Subject)

	to, err := parseAddresses(msg.To)
	if err != nil {
		return nil, err
	}
	h.SetAddressList("To", to)
	if len(msg.Cc) > 0 {
		cc, err := parseAddresses(msg.Cc)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Cc", cc)
	}
	if msg.From != "" {
		from, err := parseAddresses([]string{msg.From})
		if err != nil {
			return nil, err
		}
		h.SetAddressList("From", from)
	}
	if msg.ReplyTo != "" {
		replyTo, err := parseAddresses([]string{msg.ReplyTo})
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Reply-To", replyTo)
	}

	mediaType := "text/plain"
	if msg.HTML {
		mediaType = "text/html"
	}
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddresses(raw []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, apperr.Validationf("invalid email address %q", r)
		}
		out = append(out, addr)
	}
	return out, nil
}
