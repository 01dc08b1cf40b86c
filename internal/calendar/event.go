package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"

	"github.com/nugget/termingeist/internal/appointment"
)

// reminderOffsets implements spec.md §4.8's per-category reminder
// defaults. Categories with no explicit entry fall back to the
// appointment defaults (milestone) or the task defaults (reminder),
// since a milestone is closer in kind to an appointment and a reminder
// is, definitionally, already a single nudge.
var reminderOffsets = map[appointment.Category][]time.Duration{
	appointment.CategoryAppointment: {-5 * 24 * time.Hour, -2 * 24 * time.Hour, -24 * time.Hour, -2 * time.Hour},
	appointment.CategoryTask:        {-24 * time.Hour, -time.Hour},
	appointment.CategoryMilestone:   {-5 * 24 * time.Hour, -2 * 24 * time.Hour, -24 * time.Hour, -2 * time.Hour},
	appointment.CategoryReminder:    {-24 * time.Hour, -time.Hour},
}

// attendeeName normalizes a display name the way a vcard FN field
// would, so the same formatting rules apply whether a name came from a
// detected person or a bare participant key.
func attendeeName(raw string) string {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, strings.TrimSpace(raw))
	if name := card.Value(vcard.FieldFormattedName); name != "" {
		return name
	}
	return raw
}

// buildEvent translates an Appointment into the iCalendar VEVENT of
// spec.md §4.8: uid, title, start/end or all-day date, attendees
// (resolved participant names), a description embedding the reasoning
// and source message ids, and category-default reminders.
func buildEvent(appt appointment.Appointment, uid string, attendeeNames []string) (*ical.Calendar, error) {
	loc, err := time.LoadLocation(appt.Zone)
	if err != nil {
		loc = time.UTC
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().In(time.UTC))
	event.Props.SetText(ical.PropSummary, appt.Title)

	start, ok := appt.Start()
	if !ok {
		return nil, fmt.Errorf("appointment %s has neither datetime nor date set", appt.ID)
	}

	if appt.AllDay {
		dateProp := ical.NewProp(ical.PropDateTimeStart)
		dateProp.Params.Set(ical.ParamValue, string(ical.ValueDate))
		dateProp.Value = start.Format("20060102")
		event.Props.Add(*dateProp)
	} else {
		event.Props.SetDateTime(ical.PropDateTimeStart, start.In(loc))
		if appt.EndDateTime != nil {
			event.Props.SetDateTime(ical.PropDateTimeEnd, appt.EndDateTime.In(loc))
		}
	}

	event.Props.SetText(ical.PropDescription, buildDescription(appt))

	for _, name := range attendeeNames {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.Params.Set(ical.ParamCommonName, attendeeName(name))
		attendee.Value = "urn:termingeist:participant:" + name
		event.Props.Add(*attendee)
	}

	for _, offset := range reminderOffsets[appt.Category] {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, appt.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = formatTrigger(offset)
		alarm.Props.Add(*trigger)
		event.Children = append(event.Children, alarm)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//termingeist//appointment extraction core//EN")
	cal.Children = append(cal.Children, event.Component)
	return cal, nil
}

func buildDescription(appt appointment.Appointment) string {
	var b strings.Builder
	if appt.Reasoning != "" {
		b.WriteString(appt.Reasoning)
	}
	if len(appt.SourceMessageIDs) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("source messages: ")
		b.WriteString(strings.Join(appt.SourceMessageIDs, ", "))
	}
	return b.String()
}

// formatTrigger renders a negative duration as the iCalendar TRIGGER
// duration value (RFC 5545 §3.3.6), e.g. -5d -> "-P5D", -2h -> "-PT2H".
func formatTrigger(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	var s string
	if d%(24*time.Hour) == 0 {
		s = fmt.Sprintf("P%dD", int(d/(24*time.Hour)))
	} else {
		s = fmt.Sprintf("PT%dH", int(d/time.Hour))
	}
	if neg {
		return "-" + s
	}
	return s
}
