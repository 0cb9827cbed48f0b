// Package dispatch issues the portal's three request families: billing
// (the V2 JSON api), calendar (page scrape plus form mutations) and
// messaging (follow-up form posts). Every response goes through
// classify before anything is read from it.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/delegation"
	"gymops-backend/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = telemetry.Tracer("gymops.lib.portal.dispatch")
var meter = telemetry.Meter("gymops.lib.portal.dispatch")
var outcomeCounter, _ = meter.Int64Counter("portal.outcomes")

var ErrNotDelegated = errors.New("session is not delegated to the requested member")

type DeleteVariant struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DefaultDeleteVariants are the delete implementations seen on portal
// deployments, in the order they are tried.
var DefaultDeleteVariants = []DeleteVariant{
	{Name: "event_popup_remove", Path: "/action/EventPopup/remove"},
	{Name: "calendar_delete_session", Path: "/action/Calendar/deleteSession"},
	{Name: "calendar_delete", Path: "/action/Calendar/delete"},
	{Name: "ajax_calendar_delete", Path: "/ajax/calendar/delete"},
}

var DefaultSuccessMarkers = []string{
	"has been texted",
	"has been emailed",
	"message sent",
	"followup saved",
	"follow-up saved",
}

var DefaultErrorMarkers = []string{
	"something isn't right",
}

type Config struct {
	LoginPath      string
	SuccessMarkers []string
	ErrorMarkers   []string
	DeleteVariants []DeleteVariant
	// EmailSubject is used when an email is sent without a subject.
	EmailSubject string
	// Location is the portal's local time zone.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.LoginPath == "" {
		c.LoginPath = classify.DefaultLoginPath
	}
	if len(c.SuccessMarkers) == 0 {
		c.SuccessMarkers = DefaultSuccessMarkers
	}
	if len(c.ErrorMarkers) == 0 {
		c.ErrorMarkers = DefaultErrorMarkers
	}
	if len(c.DeleteVariants) == 0 {
		c.DeleteVariants = DefaultDeleteVariants
	}
	if c.EmailSubject == "" {
		c.EmailSubject = "A message from your gym"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Dispatcher struct {
	manager    *core.Manager
	session    *core.Session
	delegation *delegation.Controller
	cfg        Config
}

func New(manager *core.Manager, session *core.Session, ctrl *delegation.Controller, cfg Config) *Dispatcher {
	return &Dispatcher{
		manager:    manager,
		session:    session,
		delegation: ctrl,
		cfg:        cfg.withDefaults(),
	}
}

// Rebind points the dispatcher at a fresh session after relogin.
func (d *Dispatcher) Rebind(session *core.Session) {
	d.session = session
}

func (d *Dispatcher) Config() Config {
	return d.cfg
}

// CalendarDeleteVariants returns the delete endpoints in the order they
// should be tried.
func (d *Dispatcher) CalendarDeleteVariants() []DeleteVariant {
	return append([]DeleteVariant(nil), d.cfg.DeleteVariants...)
}

func (d *Dispatcher) shape(kind classify.ShapeKind) classify.Shape {
	return classify.Shape{
		Kind:           kind,
		SuccessMarkers: d.cfg.SuccessMarkers,
		ErrorMarkers:   d.cfg.ErrorMarkers,
		LoginPath:      d.cfg.LoginPath,
	}
}

func (d *Dispatcher) classify(ctx context.Context, op string, raw classify.Raw, kind classify.ShapeKind) classify.Outcome {
	out := classify.Classify(raw, d.shape(kind))
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", out.Kind.String()),
	))
	return out
}

func (d *Dispatcher) timestamp() string {
	return strconv.FormatInt(d.manager.Clock().Now().UnixMilli(), 10)
}
