// Package calendar reads and creates events in a user's primary calendar
// on Google Calendar or Outlook (Microsoft Graph).
package calendar

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/upstream"
)

const (
	defaultMaxResults = 50
	maxMaxResults     = 250
	defaultWindow     = 30 * 24 * time.Hour

	graphDateTimeLayout = "2006-01-02T15:04:05.9999999"
)

// Event is the provider-neutral view of a calendar event.
type Event struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Link        string    `json:"link,omitempty"`
}

// Validate checks the fields needed to create an event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Summary) == "" {
		return apperr.Validation("summary is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return apperr.Validation("start and end are required")
	}
	if !e.End.After(e.Start) {
		return apperr.Validation("end must be after start")
	}
	return nil
}

// Range bounds a listing.
type Range struct {
	From time.Time
	To   time.Time
	Max  int
}

func (r Range) normalize(now time.Time) (Range, error) {
	if r.From.IsZero() {
		r.From = now
	}
	if r.To.IsZero() {
		r.To = r.From.Add(defaultWindow)
	}
	if !r.To.After(r.From) {
		return r, apperr.Validation("to must be after from")
	}
	switch {
	case r.Max <= 0:
		r.Max = defaultMaxResults
	case r.Max > maxMaxResults:
		r.Max = maxMaxResults
	}
	return r, nil
}

// Service talks to the calendar APIs through the authorized caller.
type Service struct {
	calls upstream.Doer
	now   func() time.Time
}

// NewService creates a calendar service.
func NewService(calls upstream.Doer) *Service {
	return &Service{calls: calls, now: time.Now}
}

// List returns events overlapping the range, ordered by start.
func (s *Service) List(ctx context.Context, userEmail, provider string, r Range) ([]Event, error) {
	p, err := calendarProvider(provider)
	if err != nil {
		return nil, err
	}
	r, err = r.normalize(s.now())
	if err != nil {
		return nil, err
	}
	if p == token.ProviderMicrosoft {
		return s.listGraph(ctx, userEmail, r)
	}
	return s.listGoogle(ctx, userEmail, r)
}

// Create adds ev to the user's primary calendar and returns the stored event.
func (s *Service) Create(ctx context.Context, userEmail, provider string, ev Event) (*Event, error) {
	p, err := calendarProvider(provider)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if p == token.ProviderMicrosoft {
		return s.createGraph(ctx, userEmail, ev)
	}
	return s.createGoogle(ctx, userEmail, ev)
}

func calendarProvider(tag string) (token.Provider, error) {
	p, err := token.ParseProvider(tag)
	if err != nil {
		return "", err
	}
	if p != token.ProviderGoogle && p != token.ProviderMicrosoft {
		return "", apperr.Validationf("provider %q has no calendar", tag)
	}
	return p, nil
}

// Google Calendar v3.

type googleTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleAttendee struct {
	Email string `json:"email"`
}

type googleEvent struct {
	ID          string           `json:"id,omitempty"`
	Summary     string           `json:"summary"`
	Description string           `json:"description,omitempty"`
	Location    string           `json:"location,omitempty"`
	Start       googleTime       `json:"start"`
	End         googleTime       `json:"end"`
	Attendees   []googleAttendee `json:"attendees,omitempty"`
	HTMLLink    string           `json:"htmlLink,omitempty"`
}

func (g googleEvent) toEvent() Event {
	ev := Event{
		ID:          g.ID,
		Summary:     g.Summary,
		Description: g.Description,
		Location:    g.Location,
		Link:        g.HTMLLink,
	}
	ev.Start, ev.AllDay = parseGoogleTime(g.Start)
	ev.End, _ = parseGoogleTime(g.End)
	for _, a := range g.Attendees {
		ev.Attendees = append(ev.Attendees, a.Email)
	}
	return ev
}

func parseGoogleTime(t googleTime) (time.Time, bool) {
	if t.DateTime != "" {
		parsed, _ := time.Parse(time.RFC3339, t.DateTime)
		return parsed, false
	}
	if t.Date != "" {
		parsed, _ := time.Parse(time.DateOnly, t.Date)
		return parsed, true
	}
	return time.Time{}, false
}

func fromEventGoogle(ev Event) googleEvent {
	g := googleEvent{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.AllDay {
		g.Start = googleTime{Date: ev.Start.UTC().Format(time.DateOnly)}
		g.End = googleTime{Date: ev.End.UTC().Format(time.DateOnly)}
	} else {
		g.Start = googleTime{DateTime: ev.Start.Format(time.RFC3339)}
		g.End = googleTime{DateTime: ev.End.Format(time.RFC3339)}
	}
	for _, a := range ev.Attendees {
		g.Attendees = append(g.Attendees, googleAttendee{Email: a})
	}
	return g
}

func (s *Service) listGoogle(ctx context.Context, userEmail string, r Range) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", r.From.UTC().Format(time.RFC3339))
	q.Set("timeMax", r.To.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(r.Max))

	resp, err := s.calls.Do(ctx, userEmail, string(token.ProviderGoogle), upstream.Request{
		Method: http.MethodGet,
		Path:   "/calendar/v3/calendars/primary/events",
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []googleEvent `json:"items"`
	}
	if err := resp.DecodeJSON(string(token.ProviderGoogle), &out); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(out.Items))
	for _, item := range out.Items {
		events = append(events, item.toEvent())
	}
	return events, nil
}

func (s *Service) createGoogle(ctx context.Context, userEmail string, ev Event) (*Event, error) {
	req, err := upstream.JSONRequest(http.MethodPost, "/calendar/v3/calendars/primary/events", fromEventGoogle(ev))
	if err != nil {
		return nil, err
	}
	resp, err := s.calls.Do(ctx, userEmail, string(token.ProviderGoogle), req)
	if err != nil {
		return nil, err
	}
	var created googleEvent
	if err := resp.DecodeJSON(string(token.ProviderGoogle), &created); err != nil {
		return nil, err
	}
	out := created.toEvent()
	return &out, nil
}

// Microsoft Graph.

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Type         string     `json:"type,omitempty"`
}

type graphEvent struct {
	ID          string `json:"id,omitempty"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview,omitempty"`
	Body        *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body,omitempty"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location,omitempty"`
	Start     graphTime       `json:"start"`
	End       graphTime       `json:"end"`
	IsAllDay  bool            `json:"isAllDay,omitempty"`
	Attendees []graphAttendee `json:"attendees,omitempty"`
	WebLink   string          `json:"webLink,omitempty"`
}

func (g graphEvent) toEvent() Event {
	ev := Event{
		ID:          g.ID,
		Summary:     g.Subject,
		Description: g.BodyPreview,
		Start:       parseGraphTime(g.Start),
		End:         parseGraphTime(g.End),
		AllDay:      g.IsAllDay,
		Link:        g.WebLink,
	}
	if g.Location != nil {
		ev.Location = g.Location.DisplayName
	}
	for _, a := range g.Attendees {
		ev.Attendees = append(ev.Attendees, a.EmailAddress.Address)
	}
	return ev
}

// parseGraphTime reads Graph's zone-less dateTime in its accompanying zone.
// Requests ask for UTC, so unknown zones fall back to UTC.
func parseGraphTime(t graphTime) time.Time {
	loc := time.UTC
	if t.TimeZone != "" && !strings.EqualFold(t.TimeZone, "UTC") {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	parsed, err := time.ParseInLocation(graphDateTimeLayout, t.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func formatGraphTime(t time.Time) graphTime {
	return graphTime{DateTime: t.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
}

func fromEventGraph(ev Event) map[string]any {
	body := map[string]any{
		"subject":  ev.Summary,
		"start":    formatGraphTime(ev.Start),
		"end":      formatGraphTime(ev.End),
		"isAllDay": ev.AllDay,
	}
	if ev.Description != "" {
		body["body"] = map[string]string{"contentType": "Text", "content": ev.Description}
	}
	if ev.Location != "" {
		body["location"] = map[string]string{"displayName": ev.Location}
	}
	if len(ev.Attendees) > 0 {
		attendees := make([]graphAttendee, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			attendees = append(attendees, graphAttendee{EmailAddress: graphEmail{Address: a}, Type: "required"})
		}
		body["attendees"] = attendees
	}
	return body
}

func (s *Service) listGraph(ctx context.Context, userEmail string, r Range) ([]Event, error) {
	q := url.Values{}
	q.Set("startDateTime", r.From.UTC().Format(time.RFC3339))
	q.Set("endDateTime", r.To.UTC().Format(time.RFC3339))
	q.Set("$top", strconv.Itoa(r.Max))
	q.Set("$orderby", "start/dateTime")

	resp, err := s.calls.Do(ctx, userEmail, string(token.ProviderMicrosoft), upstream.Request{
		Method: http.MethodGet,
		Path:   "/me/calendarView",
		Query:  q,
		Header: http.Header{"Prefer": {`outlook.timezone="UTC"`}},
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []graphEvent `json:"value"`
	}
	if err := resp.DecodeJSON(string(token.ProviderMicrosoft), &out); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(out.Value))
	for _, item := range out.Value {
		events = append(events, item.toEvent())
	}
	return events, nil
}

func (s *Service) createGraph(ctx context.Context, userEmail string, ev Event) (*Event, error) {
	req, err := upstream.JSONRequest(http.MethodPost, "/me/events", fromEventGraph(ev))
	if err != nil {
		return nil, err
	}
	req.Header = http.Header{"Prefer": {`outlook.timezone="UTC"`}}
	resp, err := s.calls.Do(ctx, userEmail, string(token.ProviderMicrosoft), req)
	if err != nil {
		return nil, err
	}
	var created graphEvent
	if err := resp.DecodeJSON(string(token.ProviderMicrosoft), &created); err != nil {
		return nil, err
	}
	out := created.toEvent()
	return &out, nil
}
