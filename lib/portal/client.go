// Package portal is the client the rest of the codebase talks to. A Client
// owns one authenticated session and serializes every operation on it, so
// the delegate, operate sequence of one caller never interleaves with
// another's.
package portal

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"gymops-backend/lib/chrono"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/delegation"
	"gymops-backend/lib/portal/dispatch"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/retry"
	"gymops-backend/lib/restyutil"
	"gymops-backend/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("gymops.lib.portal")

var (
	ErrClosed      = errors.New("portal client is closed")
	ErrNoAgreement = errors.New("member has no package agreement")
)

type options struct {
	clock       chrono.Clock
	transcripts restyutil.InstrumentOutput
}

type Option func(o *options)

func WithClock(clock chrono.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithTranscripts dumps every request and response of the client.
func WithTranscripts(out restyutil.InstrumentOutput) Option {
	return func(o *options) {
		o.transcripts = out
	}
}

type Client struct {
	mu sync.Mutex

	manager *core.Manager
	session *core.Session
	deleg   *delegation.Controller
	disp    *dispatch.Dispatcher
	policy  *retry.Policy
	closed  bool

	// inFlight is the member the running operation acts as.
	inFlight string
}

// New logs in and returns a ready client. Bad credentials fail here with an
// AuthError and nothing is retried.
func New(ctx context.Context, cfg Config, creds Credentials, opts ...Option) (*Client, error) {
	ctx, span := tracer.Start(ctx, "New")
	defer span.End()

	o := options{clock: chrono.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := cfg.location()
	if err != nil {
		return nil, err
	}
	coreOpts := []core.Option{core.WithClock(o.clock)}
	if o.transcripts != nil {
		coreOpts = append(coreOpts, core.WithTranscripts(o.transcripts))
	}
	manager, err := core.NewManager(cfg.coreConfig(), coreOpts...)
	if err != nil {
		return nil, err
	}

	session, err := manager.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to login")
		return nil, err
	}

	deleg := delegation.New(manager, session, o.clock, cfg.delegationTTL())
	c := &Client{
		manager: manager,
		session: session,
		deleg:   deleg,
		disp:    dispatch.New(manager, session, deleg, cfg.dispatchConfig(loc)),
	}
	c.policy = retry.New(cfg.backoff(), c.reauth)
	return c, nil
}

// replace swaps in a fresh session for previous and points the delegation
// controller and dispatcher at it.
func (c *Client) replace(ctx context.Context, previous *core.Session) error {
	c.manager.Invalidate(previous)
	c.deleg.Expire()

	fresh, err := c.manager.Refresh(ctx, previous)
	if err != nil {
		return err
	}
	c.session = fresh
	c.deleg.Rebind(fresh)
	c.disp.Rebind(fresh)
	slog.InfoContext(ctx, "portal session replaced", "old", previous.ID(), "new", fresh.ID(), "member", c.inFlight)
	return nil
}

// reauth replaces the session after the portal expired it and puts the
// delegation of the running operation back in place. It runs with mu held.
func (c *Client) reauth(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "reauth")
	defer span.End()

	member := c.inFlight
	span.SetAttributes(attribute.String("member_id", member))
	if err := c.replace(ctx, c.session); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relogin failed")
		return err
	}
	if member == "" {
		return nil
	}
	return c.deleg.Delegate(ctx, member)
}

// prepare runs before every operation with mu held. A session whose bearer
// has run out is replaced up front rather than sent to the portal.
func (c *Client) prepare(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if !c.session.Expired(c.manager.Clock().Now()) {
		return nil
	}

	ctx, span := tracer.Start(ctx, "renew")
	defer span.End()
	if err := c.replace(ctx, c.session); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relogin failed")
		return err
	}
	return nil
}

// StaffID is the identity the client logged in as.
func (c *Client) StaffID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.StaffID()
}

// SessionID identifies the current underlying session. It changes after a
// relogin.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID()
}

// FetchAgreements returns every agreement of memberID with its invoices.
func (c *Client) FetchAgreements(ctx context.Context, memberID string) ([]model.Agreement, error) {
	ctx, span := tracer.Start(ctx, "FetchAgreements")
	defer span.End()
	span.SetAttributes(attribute.String("member_id", memberID))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(ctx); err != nil {
		return nil, err
	}

	c.inFlight = memberID
	defer func() { c.inFlight = "" }()

	var agreements []model.Agreement
	err := c.policy.Do(ctx, "fetch_agreements", func(ctx context.Context) error {
		if err := c.deleg.Delegate(ctx, memberID); err != nil {
			return err
		}
		fetched, err := c.disp.FetchAgreements(ctx, memberID)
		if err != nil {
			return err
		}
		agreements = fetched
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch agreements")
		return nil, err
	}
	return agreements, nil
}

// FetchAgreement returns the member's primary agreement, the first one the
// portal lists.
func (c *Client) FetchAgreement(ctx context.Context, memberID string) (model.Agreement, error) {
	agreements, err := c.FetchAgreements(ctx, memberID)
	if err != nil {
		return model.Agreement{}, err
	}
	if len(agreements) == 0 {
		return model.Agreement{}, ErrNoAgreement
	}
	return agreements[0], nil
}

func (c *Client) ListCalendarEvents(ctx context.Context) ([]model.CalendarEvent, error) {
	ctx, span := tracer.Start(ctx, "ListCalendarEvents")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(ctx); err != nil {
		return nil, err
	}
	return c.listCalendarEvents(ctx)
}

func (c *Client) listCalendarEvents(ctx context.Context) ([]model.CalendarEvent, error) {
	var events []model.CalendarEvent
	err := c.policy.Do(ctx, "list_calendar_events", func(ctx context.Context) error {
		listed, err := c.disp.ListCalendarEvents(ctx)
		if err != nil {
			return err
		}
		events = listed
		return nil
	})
	return events, err
}

func eventListed(events []model.CalendarEvent, eventID string) bool {
	for _, e := range events {
		if e.ID == eventID {
			return true
		}
	}
	return false
}

// DeleteCalendarEvent removes an event and reports whether anything was
// deleted. The portal acknowledges deletes it ignored, so every variant is
// followed by a read-back of the calendar and success is only reported once
// the event is gone. An event that is already absent reports false.
func (c *Client) DeleteCalendarEvent(ctx context.Context, eventID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "DeleteCalendarEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(ctx); err != nil {
		return false, err
	}

	before, err := c.listCalendarEvents(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list calendar")
		return false, err
	}
	if !eventListed(before, eventID) {
		slog.InfoContext(ctx, "calendar event already absent", "event_id", eventID)
		return false, nil
	}

	var variants []retry.Variant
	for _, v := range c.disp.CalendarDeleteVariants() {
		v := v
		variants = append(variants, retry.Variant{
			Name:       v.Name,
			Idempotent: true,
			Attempt: func(ctx context.Context) classify.Outcome {
				return c.disp.DeleteCalendarEvent(ctx, v, eventID)
			},
		})
	}
	verify := func(ctx context.Context) (bool, error) {
		events, err := c.disp.ListCalendarEvents(ctx)
		if err != nil {
			return false, err
		}
		return !eventListed(events, eventID), nil
	}

	err = c.policy.Mutate(ctx, "calendar_delete", variants, verify, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete calendar event")
		return false, err
	}
	return true, nil
}

type messageOptions struct {
	subject string
}

type MessageOption func(o *messageOptions)

// WithSubject sets the subject of an email. It is ignored for sms.
func WithSubject(subject string) MessageOption {
	return func(o *messageOptions) {
		o.subject = subject
	}
}

// SendMessage sends text to memberID. A send is never repeated once the
// portal may have accepted it: an unmarked response is resolved by looking
// for the message in the member's conversation, and if it is not there the
// result is an EndpointVariantExhausted rather than a second send.
func (c *Client) SendMessage(ctx context.Context, memberID, text string, channel model.Channel, opts ...MessageOption) (model.MessageResult, error) {
	ctx, span := tracer.Start(ctx, "SendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("member_id", memberID),
		attribute.String("channel", string(channel)),
	)

	var o messageOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(ctx); err != nil {
		return model.MessageResult{}, err
	}

	result := model.MessageResult{MemberID: memberID, Channel: channel}
	send := retry.Variant{
		Name: "follow_up_save",
		Attempt: func(ctx context.Context) classify.Outcome {
			out := c.disp.SendMessage(ctx, memberID, text, channel, o.subject)
			result.Marker = out.Marker
			return out
		},
	}
	verify := func(ctx context.Context) (bool, error) {
		return c.disp.MessageListed(ctx, memberID, text, channel)
	}

	err := c.policy.Mutate(ctx, "send_message", []retry.Variant{send}, verify, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return model.MessageResult{}, err
	}
	result.Status = model.DeliveryQueued
	return result, nil
}

func (c *Client) ListMessages(ctx context.Context, ownerID string) ([]model.Message, error) {
	ctx, span := tracer.Start(ctx, "ListMessages")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(ctx); err != nil {
		return nil, err
	}

	var messages []model.Message
	err := c.policy.Do(ctx, "list_messages", func(ctx context.Context) error {
		listed, err := c.disp.ListMessages(ctx, ownerID)
		if err != nil {
			return err
		}
		messages = listed
		return nil
	})
	return messages, err
}

// Close undelegates and logs out. The client cannot be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Close")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.deleg.State() == delegation.Delegated {
		if err := c.deleg.Undelegate(ctx); err != nil {
			slog.WarnContext(ctx, "failed to undelegate before logout", "err", err)
		}
	}
	err := c.manager.Logout(ctx, c.session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to logout")
	}
	return err
}
