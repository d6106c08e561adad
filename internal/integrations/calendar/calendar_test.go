package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	ics "github.com/emersion/go-ical"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubDoer struct {
	provider string
	reqs     []upstream.Request
	body     string
}

func (d *stubDoer) Do(_ context.Context, _ string, provider string, req upstream.Request) (*upstream.Response, error) {
	d.provider = provider
	d.reqs = append(d.reqs, req)
	return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(d.body)}, nil
}

func newService(d *stubDoer) *Service {
	s := NewService(d)
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestList_Google(t *testing.T) {
	d := &stubDoer{body: `{"items":[
		{"id":"e1","summary":"Open house","location":"12 Elm St","start":{"dateTime":"2026-03-02T10:00:00-05:00"},"end":{"dateTime":"2026-03-02T11:00:00-05:00"},"attendees":[{"email":"buyer@example.com"}],"htmlLink":"https://calendar.google.com/e1"},
		{"id":"e2","summary":"Closing","start":{"date":"2026-03-05"},"end":{"date":"2026-03-06"}}
	]}`}

	events, err := newService(d).List(context.Background(), "agent@example.com", "gcal", Range{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "google", d.provider)
	req := d.reqs[0]
	assert.Equal(t, "/calendar/v3/calendars/primary/events", req.Path)
	assert.Equal(t, "2026-03-01T12:00:00Z", req.Query.Get("timeMin"))
	assert.Equal(t, "2026-03-31T12:00:00Z", req.Query.Get("timeMax"))
	assert.Equal(t, "50", req.Query.Get("maxResults"))
	assert.Equal(t, "startTime", req.Query.Get("orderBy"))

	assert.Equal(t, "Open house", events[0].Summary)
	assert.True(t, events[0].Start.Equal(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"buyer@example.com"}, events[0].Attendees)
	assert.True(t, events[1].AllDay)
	assert.Equal(t, 5, events[1].Start.Day())
}

func TestList_GraphCalendarView(t *testing.T) {
	d := &stubDoer{body: `{"value":[
		{"id":"g1","subject":"Inspection","bodyPreview":"Bring keys","location":{"displayName":"Unit 4"},
		 "start":{"dateTime":"2026-03-03T14:30:00.0000000","timeZone":"UTC"},
		 "end":{"dateTime":"2026-03-03T15:30:00.0000000","timeZone":"UTC"},
		 "attendees":[{"emailAddress":{"address":"inspector@example.com"}}],"webLink":"https://outlook.office.com/g1"}
	]}`}

	events, err := newService(d).List(context.Background(), "agent@example.com", "outlook", Range{Max: 1000})
	require.NoError(t, err)
	require.Len(t, events, 1)

	req := d.reqs[0]
	assert.Equal(t, "microsoft", d.provider)
	assert.Equal(t, "/me/calendarView", req.Path)
	assert.Equal(t, "250", req.Query.Get("$top"))
	assert.Equal(t, `outlook.timezone="UTC"`, req.Header.Get("Prefer"))

	ev := events[0]
	assert.Equal(t, "Inspection", ev.Summary)
	assert.Equal(t, "Unit 4", ev.Location)
	assert.Equal(t, "Bring keys", ev.Description)
	assert.True(t, ev.Start.Equal(time.Date(2026, 3, 3, 14, 30, 0, 0, time.UTC)))
	assert.Equal(t, []string{"inspector@example.com"}, ev.Attendees)
}

func TestCreate_GoogleAndGraphBodies(t *testing.T) {
	ev := Event{
		Summary:   "Showing",
		Location:  "12 Elm St",
		Start:     time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 3, 7, 16, 0, 0, 0, time.UTC),
		Attendees: []string{"buyer@example.com"},
	}

	g := &stubDoer{body: `{"id":"new-1","summary":"Showing","start":{"dateTime":"2026-03-07T15:00:00Z"},"end":{"dateTime":"2026-03-07T16:00:00Z"}}`}
	created, err := newService(g).Create(context.Background(), "agent@example.com", "google", ev)
	require.NoError(t, err)
	assert.Equal(t, "new-1", created.ID)

	var gBody map[string]any
	require.NoError(t, json.Unmarshal(g.reqs[0].Body, &gBody))
	assert.Equal(t, "Showing", gBody["summary"])
	assert.Equal(t, "2026-03-07T15:00:00Z", gBody["start"].(map[string]any)["dateTime"])

	m := &stubDoer{body: `{"id":"new-2","subject":"Showing","start":{"dateTime":"2026-03-07T15:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-03-07T16:00:00.0000000","timeZone":"UTC"}}`}
	created, err = newService(m).Create(context.Background(), "agent@example.com", "microsoft", ev)
	require.NoError(t, err)
	assert.Equal(t, "new-2", created.ID)
	assert.Equal(t, "/me/events", m.reqs[0].Path)

	var mBody map[string]any
	require.NoError(t, json.Unmarshal(m.reqs[0].Body, &mBody))
	assert.Equal(t, "Showing", mBody["subject"])
	assert.Equal(t, "2026-03-07T15:00:00", mBody["start"].(map[string]any)["dateTime"])
	assert.Equal(t, "12 Elm St", mBody["location"].(map[string]any)["displayName"])
}

func TestValidation(t *testing.T) {
	d := &stubDoer{}
	s := newService(d)

	_, err := s.Create(context.Background(), "agent@example.com", "google", Event{Summary: "x", Start: fixedNow, End: fixedNow})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = s.Create(context.Background(), "agent@example.com", "followupboss", Event{Summary: "x", Start: fixedNow, End: fixedNow.Add(time.Hour)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = s.List(context.Background(), "agent@example.com", "google", Range{From: fixedNow, To: fixedNow.Add(-time.Hour)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Empty(t, d.reqs)
}

func TestWriteICS(t *testing.T) {
	events := []Event{
		{ID: "e1", Summary: "Open house", Location: "12 Elm St", Start: fixedNow, End: fixedNow.Add(time.Hour), Attendees: []string{"buyer@example.com"}},
		{Summary: "Closing", Start: fixedNow.Add(48 * time.Hour), End: fixedNow.Add(49 * time.Hour)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteICS(&buf, events, fixedNow))
	assert.True(t, strings.HasPrefix(buf.String(), "BEGIN:VCALENDAR"))

	cal, err := ics.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	var vevents []*ics.Component
	for _, c := range cal.Children {
		if c.Name == ics.CompEvent {
			vevents = append(vevents, c)
		}
	}
	require.Len(t, vevents, 2)
	assert.Equal(t, "e1", vevents[0].Props.Get(ics.PropUID).Value)
	assert.Equal(t, "Open house", vevents[0].Props.Get(ics.PropSummary).Value)
	assert.Equal(t, "20260301T120000Z", vevents[0].Props.Get(ics.PropDateTimeStart).Value)
	assert.Equal(t, "mailto:buyer@example.com", vevents[0].Props.Get(ics.PropAttendee).Value)
	assert.NotEmpty(t, vevents[1].Props.Get(ics.PropUID).Value)
}
