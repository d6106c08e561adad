package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/integrations/calendar"
	"github.com/pysugar/portal-connect/internal/integrations/crm"
	"github.com/pysugar/portal-connect/internal/integrations/mailer"
)

type sendEmailRequest struct {
	Provider string `json:"provider"`
	mailer.Message
}

// SendEmailHandler sends mail from the acting user's connected mailbox.
func SendEmailHandler(sender *mailer.Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var req sendEmailRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := sender.Send(r.Context(), user, req.Provider, req.Message)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// ListEventsHandler lists calendar events. format=ics returns an iCalendar
// feed instead of JSON.
func ListEventsHandler(svc *calendar.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		q := r.URL.Query()
		rng, err := parseRange(q.Get("from"), q.Get("to"), q.Get("max"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		events, err := svc.List(r.Context(), user, q.Get("provider"), rng)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if q.Get("format") == "ics" {
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			if err := calendar.WriteICS(w, events, time.Now()); err != nil {
				WriteError(w, r, err)
			}
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

type createEventRequest struct {
	Provider string `json:"provider"`
	calendar.Event
}

// CreateEventHandler creates an event in the acting user's calendar.
func CreateEventHandler(svc *calendar.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var req createEventRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		ev, err := svc.Create(r.Context(), user, req.Provider, req.Event)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ev)
	}
}

func parseRange(from, to, max string) (calendar.Range, error) {
	var rng calendar.Range
	var err error
	if from != "" {
		if rng.From, err = time.Parse(time.RFC3339, from); err != nil {
			return rng, apperr.Validation("from must be an RFC 3339 timestamp")
		}
	}
	if to != "" {
		if rng.To, err = time.Parse(time.RFC3339, to); err != nil {
			return rng, apperr.Validation("to must be an RFC 3339 timestamp")
		}
	}
	if max != "" {
		if rng.Max, err = strconv.Atoi(max); err != nil {
			return rng, apperr.Validation("max must be an integer")
		}
	}
	return rng, nil
}

// CRMConnectHandler verifies and stores the acting user's CRM API key.
func CRMConnectHandler(client *crm.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		rec, id, err := client.Connect(r.Context(), user, req.APIKey)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{
			"status":     "connected",
			"provider":   rec.Provider,
			"identity":   id,
			"expires_at": rec.ExpiresAt.UTC(),
		})
	}
}

// CRMContactsHandler lists the acting user's CRM contacts.
func CRMContactsHandler(client *crm.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		q := r.URL.Query()
		query := crm.ContactQuery{Email: q.Get("email"), Phone: q.Get("phone"), Name: q.Get("name")}
		if query.Limit, err = optionalInt(q.Get("limit")); err != nil {
			WriteError(w, r, apperr.Validation("limit must be an integer"))
			return
		}
		if query.Offset, err = optionalInt(q.Get("offset")); err != nil {
			WriteError(w, r, apperr.Validation("offset must be an integer"))
			return
		}
		page, err := client.ListContacts(r.Context(), user, query)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

// CRMActivityHandler logs an activity against a CRM contact.
func CRMActivityHandler(client *crm.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var a crm.Activity
		if err := decodeJSON(r, &a); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := client.LogActivity(r.Context(), user, a)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
