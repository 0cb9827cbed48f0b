package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"gymops-backend/lib/chrono"
	"gymops-backend/lib/htmlutil"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/tokens"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	calendarPath       = "/action/Calendar"
	calendarEventsPath = "/api/calendar/events"
)

// eventIDs collects event ids from the calendar page, both from the
// data-event-id attributes and from the json blobs the page keeps in hidden
// inputs. Order of first appearance is kept.
func eventIDs(doc *goquery.Document) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	doc.Find("[data-event-id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("data-event-id")
		add(id)
	})
	doc.Find(`input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		value, _ := sel.Attr("value")
		if !strings.HasPrefix(strings.TrimSpace(value), "{") {
			return
		}
		var blob struct {
			EventID flexID `json:"eventId"`
		}
		if json.Unmarshal([]byte(value), &blob) == nil {
			add(string(blob.EventID))
		}
	})
	return ids
}

// openCalendar loads the calendar page, which refreshes the form tokens
// that calendar mutations must echo.
func (d *Dispatcher) openCalendar(ctx context.Context) (*goquery.Document, error) {
	raw := d.manager.Navigate(ctx, d.session, calendarPath)
	out := d.classify(ctx, "calendar_page", raw, classify.HTML)
	if out.Kind != classify.Success {
		return nil, out.Err()
	}
	doc, err := htmlutil.Parse(out.Body)
	if err != nil {
		return nil, &model.ServerError{Status: out.Status, Reason: "parse calendar page: " + err.Error()}
	}
	return doc, nil
}

// ListCalendarEvents returns the events on the staff calendar.
func (d *Dispatcher) ListCalendarEvents(ctx context.Context) ([]model.CalendarEvent, error) {
	ctx, span := tracer.Start(ctx, "ListCalendarEvents")
	defer span.End()

	doc, err := d.openCalendar(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load calendar")
		return nil, err
	}
	ids := eventIDs(doc)
	span.SetAttributes(attribute.Int("event_count", len(ids)))
	if len(ids) == 0 {
		return nil, nil
	}

	req := d.session.R(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", d.session.URL(calendarPath)).
		SetQueryParam("eventIds", strings.Join(ids, ",")).
		SetQueryParam("fields", "fundingStatus").
		SetQueryParam("_", d.timestamp())
	if bearer := d.session.Bearer(); bearer != "" {
		req.SetAuthToken(bearer)
	}
	res, err := req.Get(calendarEventsPath)
	out := d.classify(ctx, "calendar_events", core.RawFrom(res, err), classify.JSON)
	payload, err := classify.Decode[calendarEventsPayload](out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch calendar events")
		return nil, err
	}

	events := make([]model.CalendarEvent, 0, len(payload.Events))
	for _, e := range payload.Events {
		start, _ := chrono.ParseLocal(e.StartTime, d.cfg.Location)
		end, _ := chrono.ParseLocal(e.EndTime, d.cfg.Location)
		event := model.CalendarEvent{
			ID:            string(e.ID),
			Title:         e.Title,
			Start:         start,
			End:           end,
			FundingStatus: e.FundingStatus,
		}
		for _, a := range e.Attendees {
			if id := attendeeID(a); id != "" {
				event.Attendees = append(event.Attendees, id)
			}
		}
		events = append(events, event)
	}
	return events, nil
}

// DeleteCalendarEvent posts one delete variant. The portal answers "OK" to
// deletes whether or not anything happened, so the outcome is only a hint
// and the caller must read the calendar back.
func (d *Dispatcher) DeleteCalendarEvent(ctx context.Context, variant DeleteVariant, eventID string) classify.Outcome {
	ctx, span := tracer.Start(ctx, "DeleteCalendarEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("variant", variant.Name),
	)

	if d.session.Fingerprint() == "" || d.session.SourcePage() == "" ||
		!strings.Contains(d.session.Referer(), calendarPath) {
		if _, err := d.openCalendar(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load calendar")
			return classify.Outcome{Kind: outcomeKind(err), Message: err.Error(), Cause: err}
		}
	}

	form := url.Values{
		"id":                    {eventID},
		"calendarEvent.id":      {eventID},
		tokens.FingerprintField: {d.session.Fingerprint()},
		tokens.SourcePageField:  {d.session.SourcePage()},
	}
	res, err := d.session.R(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", d.session.URL(calendarPath)).
		SetFormDataFromValues(form).
		Post(variant.Path)
	out := d.classify(ctx, "calendar_delete", core.RawFrom(res, err), classify.HTML)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	return out
}

// outcomeKind maps an error produced while preparing a request back onto an
// outcome kind, so that callers driving variants see one vocabulary.
func outcomeKind(err error) classify.Kind {
	var netErr *model.NetworkError
	switch {
	case model.IsPermanent(err):
		return classify.ValidationError
	case errors.Is(err, model.ErrSessionExpired):
		return classify.SessionExpired
	case errors.Is(err, model.ErrAmbiguousSuccess):
		return classify.AmbiguousSuccess
	case errors.As(err, &netErr):
		return classify.NetworkError
	}
	return classify.ServerError
}
