package calendar

import (
	"fmt"
	"io"
	"time"

	ics "github.com/emersion/go-ical"
)

const prodID = "-//portal-connect//calendar export//EN"

// WriteICS renders events as an iCalendar feed. Events without a provider
// id get a uid derived from their start time.
func WriteICS(w io.Writer, events []Event, now time.Time) error {
	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, prodID)

	for _, ev := range events {
		vevent := ics.NewEvent()
		uid := ev.ID
		if uid == "" {
			uid = fmt.Sprintf("%d@portal-connect", ev.Start.Unix())
		}
		vevent.Props.SetText(ics.PropUID, uid)
		vevent.Props.SetDateTime(ics.PropDateTimeStamp, now.UTC())
		vevent.Props.SetText(ics.PropSummary, ev.Summary)
		if ev.AllDay {
			vevent.Props.SetDate(ics.PropDateTimeStart, ev.Start)
			vevent.Props.SetDate(ics.PropDateTimeEnd, ev.End)
		} else {
			vevent.Props.SetDateTime(ics.PropDateTimeStart, ev.Start.UTC())
			vevent.Props.SetDateTime(ics.PropDateTimeEnd, ev.End.UTC())
		}
		if ev.Description != "" {
			vevent.Props.SetText(ics.PropDescription, ev.Description)
		}
		if ev.Location != "" {
			vevent.Props.SetText(ics.PropLocation, ev.Location)
		}
		if ev.Link != "" {
			vevent.Props.SetText(ics.PropURL, ev.Link)
		}
		for _, a := range ev.Attendees {
			prop := ics.NewProp(ics.PropAttendee)
			prop.Value = "mailto:" + a
			vevent.Props.Add(prop)
		}
		cal.Children = append(cal.Children, vevent.Component)
	}

	if err := ics.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}
