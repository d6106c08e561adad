package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDoer struct {
	user     string
	provider string
	req      upstream.Request
	resp     *upstream.Response
	err      error
	calls    int
}

func (d *recordingDoer) Do(_ context.Context, userEmail, provider string, req upstream.Request) (*upstream.Response, error) {
	d.calls++
	d.user, d.provider, d.req = userEmail, provider, req
	if d.err != nil {
		return nil, d.err
	}
	if d.resp == nil {
		return &upstream.Response{StatusCode: http.StatusAccepted}, nil
	}
	return d.resp, nil
}

func TestSend_GmailRawMessage(t *testing.T) {
	doer := &recordingDoer{resp: &upstream.Response{StatusCode: 200, Body: []byte(`{"id":"m-1","threadId":"t-1"}`)}}
	s := NewSender(doer)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	res, err := s.Send(context.Background(), "agent@example.com", "gmail", Message{
		To:      []string{"Buyer <buyer@example.com>"},
		Subject: "Showing on Saturday",
		Body:    "See you at 10am.",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.ID)
	assert.Equal(t, "t-1", res.ThreadID)
	assert.Equal(t, "google", doer.provider)
	assert.Equal(t, http.MethodPost, doer.req.Method)
	assert.Equal(t, "/gmail/v1/users/me/messages/send", doer.req.Path)

	var body struct{ Raw string }
	require.NoError(t, json.Unmarshal(doer.req.Body, &body))
	raw, err := base64.URLEncoding.DecodeString(body.Raw)
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Showing on Saturday", subject)
	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "buyer@example.com", to[0].Address)

	part, err := mr.NextPart()
	require.NoError(t, err)
	text, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "See you at 10am.")
}

func TestSend_GraphSendMail(t *testing.T) {
	doer := &recordingDoer{}
	s := NewSender(doer)

	res, err := s.Send(context.Background(), "agent@example.com", "outlook", Message{
		To:      []string{"buyer@example.com"},
		Cc:      []string{"broker@example.com"},
		Subject: "Offer",
		Body:    "<p>Offer attached</p>",
		HTML:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "microsoft", string(res.Provider))
	assert.Equal(t, "microsoft", doer.provider)
	assert.Equal(t, "/me/sendMail", doer.req.Path)

	var body struct {
		Message struct {
			Subject string
			Body    struct {
				ContentType string `json:"contentType"`
				Content     string
			}
			ToRecipients []struct {
				EmailAddress struct{ Address string } `json:"emailAddress"`
			} `json:"toRecipients"`
			CcRecipients []json.RawMessage `json:"ccRecipients"`
		}
		SaveToSentItems bool `json:"saveToSentItems"`
	}
	require.NoError(t, json.Unmarshal(doer.req.Body, &body))
	assert.Equal(t, "Offer", body.Message.Subject)
	assert.Equal(t, "HTML", body.Message.Body.ContentType)
	require.Len(t, body.Message.ToRecipients, 1)
	assert.Equal(t, "buyer@example.com", body.Message.ToRecipients[0].EmailAddress.Address)
	assert.Len(t, body.Message.CcRecipients, 1)
	assert.True(t, body.SaveToSentItems)
}

func TestSend_Validation(t *testing.T) {
	doer := &recordingDoer{}
	s := NewSender(doer)

	tests := []struct {
		name     string
		provider string
		msg      Message
	}{
		{name: "no recipients", provider: "google", msg: Message{Subject: "x", To: []string{" "}}},
		{name: "no subject", provider: "google", msg: Message{To: []string{"a@example.com"}}},
		{name: "bad address", provider: "google", msg: Message{Subject: "x", To: []string{"not an address"}}},
		{name: "crm cannot send", provider: "fub", msg: Message{Subject: "x", To: []string{"a@example.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), "agent@example.com", tt.provider, tt.msg)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Zero(t, doer.calls)
}

func TestSend_PropagatesCallerErrors(t *testing.T) {
	doer := &recordingDoer{err: apperr.Reauthorization("google", errors.New("provider returned 401"))}
	s := NewSender(doer)

	_, err := s.Send(context.Background(), "agent@example.com", "google", Message{To: []string{"a@example.com"}, Subject: "x"})
	assert.Equal(t, apperr.KindReauthorizationRequired, apperr.KindOf(err))
}
