// Package delegation tracks which member a session is acting as. The portal
// keeps this as global state per session and its member-scoped endpoints
// take no member id, so this controller is the only thing standing between
// a caller and another member's data.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gymops-backend/lib/chrono"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/tokens"
	"gymops-backend/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("gymops.lib.portal.delegation")
var meter = telemetry.Meter("gymops.lib.portal.delegation")
var delegationCounter, _ = meter.Int64Counter("portal.delegations")

const SpaPath = "/action/PackageAgreementUpdated/spa/"

type State int

const (
	Authenticated State = iota
	Delegated
	Expired
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Delegated:
		return "delegated"
	}
	return "expired"
}

// Context describes an active delegation.
type Context struct {
	MemberID    string
	StaffID     string
	ActivatedAt time.Time
	SoftExpiry  time.Time
}

type Controller struct {
	manager *core.Manager
	session *core.Session
	clock   chrono.Clock
	ttl     time.Duration

	state      State
	current    *Context
	lastMember string
}

// New binds a controller to session. A session that is already invalid
// starts out Expired.
func New(manager *core.Manager, session *core.Session, clock chrono.Clock, ttl time.Duration) *Controller {
	if clock == nil {
		clock = chrono.Real{}
	}
	c := &Controller{
		manager: manager,
		clock:   clock,
		ttl:     ttl,
	}
	c.Rebind(session)
	return c
}

func (c *Controller) State() State {
	if c.state != Expired && !c.session.Valid() {
		c.expire()
	}
	return c.state
}

func (c *Controller) Session() *core.Session {
	return c.session
}

// Current returns the member the session is acting as, if any.
func (c *Controller) Current() (string, bool) {
	if c.State() != Delegated {
		return "", false
	}
	return c.current.MemberID, true
}

func (c *Controller) Context() (Context, bool) {
	if c.State() != Delegated {
		return Context{}, false
	}
	return *c.current, true
}

// LastMember is the member the last successful delegation targeted. It
// survives expiry so that a relogin can pick up where the session left off,
// and is cleared by an explicit Undelegate.
func (c *Controller) LastMember() string {
	return c.lastMember
}

// Expire drops the delegation because the session it lived in is gone.
func (c *Controller) Expire() {
	c.expire()
}

func (c *Controller) expire() {
	c.state = Expired
	c.current = nil
}

// Rebind attaches the controller to a fresh session, e.g. after relogin.
// The portal forgets delegation with the old session, so the state starts
// over at Authenticated.
func (c *Controller) Rebind(session *core.Session) {
	c.session = session
	c.current = nil
	if session != nil && session.Valid() {
		c.state = Authenticated
	} else {
		c.state = Expired
	}
}

func (c *Controller) sessionExpired(memberID string) error {
	return &model.DelegationFailure{
		Kind:     model.DelegationSessionExpired,
		MemberID: memberID,
		Err:      errors.New("session is expired, relogin required"),
	}
}

func (c *Controller) delegatePath(memberID string) string {
	return fmt.Sprintf("/action/Delegate/%s/url=false", memberID)
}

func (c *Controller) actAs(ctx context.Context, memberID string) classify.Outcome {
	req := c.session.R(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetQueryParam("_", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))
	if referer := c.session.Referer(); referer != "" {
		req.SetHeader("Referer", referer)
	}
	res, err := req.Get(c.delegatePath(memberID))
	return classify.Classify(core.RawFrom(res, err), classify.Shape{
		Kind:      classify.HTML,
		LoginPath: c.manager.Config().LoginPath,
	})
}

// remoteFailure turns a non-success outcome of a delegation request into an
// error. The session is marked expired when the portal says so.
func (c *Controller) remoteFailure(memberID string, out classify.Outcome) error {
	switch out.Kind {
	case classify.Success, classify.AmbiguousSuccess:
		return nil
	case classify.SessionExpired:
		c.manager.Invalidate(c.session)
		c.expire()
		return model.ErrSessionExpired
	case classify.ValidationError:
		return &model.DelegationFailure{
			Kind:     model.DelegationRemoteRejected,
			MemberID: memberID,
			Err:      out.Err(),
		}
	default:
		return out.Err()
	}
}

// Delegate makes the session act as memberID. Delegating to the member that
// is already active is a no-op until the delegation's soft expiry, after
// which it is re-issued. Delegating to a different member undelegates
// first.
func (c *Controller) Delegate(ctx context.Context, memberID string) error {
	if memberID == "" || memberID == "0" {
		return &model.ValidationError{Message: fmt.Sprintf("invalid member id %q", memberID)}
	}
	if c.State() == Expired {
		return c.sessionExpired(memberID)
	}

	now := c.clock.Now()
	if c.state == Delegated && c.current.MemberID == memberID {
		if now.Before(c.current.SoftExpiry) {
			return nil
		}
		slog.DebugContext(ctx, "delegation past soft expiry, re-issuing", "member", memberID)
	}

	ctx, span := tracer.Start(ctx, "Delegate")
	defer span.End()
	span.SetAttributes(attribute.String("member_id", memberID))

	if c.state == Delegated && c.current.MemberID != memberID {
		if err := c.Undelegate(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to undelegate previous member")
			return err
		}
	}

	// until the portal confirms otherwise the identity is unknown, never
	// assume the previous one
	c.current = nil
	c.state = Authenticated

	if err := c.remoteFailure(memberID, c.actAs(ctx, memberID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "act-as request failed")
		return err
	}
	// some deployments never set the cookie, the delegated page must then
	// prove the identity on its own
	cookie, hasCookie := c.session.Cookie(core.DelegatedCookie)
	if hasCookie && cookie != memberID {
		err := &model.DelegationFailure{
			Kind:     model.DelegationRemoteRejected,
			MemberID: memberID,
			Err:      fmt.Errorf("portal reports delegated identity %q", cookie),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "delegation not applied")
		return err
	}

	raw := c.manager.Navigate(ctx, c.session, SpaPath)
	out := classify.Classify(raw, classify.Shape{Kind: classify.HTML, LoginPath: c.manager.Config().LoginPath})
	if err := c.remoteFailure(memberID, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load delegated page")
		return err
	}
	page := tokens.Extract(raw.Body)
	if page.DelegatedID == nil && !hasCookie {
		err := &model.DelegationFailure{
			Kind:     model.DelegationRemoteRejected,
			MemberID: memberID,
			Err:      errors.New("portal did not report a delegated identity"),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "delegation not confirmed")
		return err
	}
	if page.DelegatedID != nil && *page.DelegatedID != memberID {
		err := &model.DelegationFailure{
			Kind:     model.DelegationRemoteRejected,
			MemberID: memberID,
			Err:      fmt.Errorf("delegated page belongs to %q", *page.DelegatedID),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "delegated page identity mismatch")
		return err
	}

	c.state = Delegated
	c.current = &Context{
		MemberID:    memberID,
		StaffID:     c.session.StaffID(),
		ActivatedAt: now,
		SoftExpiry:  now.Add(c.ttl),
	}
	c.lastMember = memberID
	delegationCounter.Add(ctx, 1)
	slog.DebugContext(ctx, "delegated", "session", c.session.ID(), "member", memberID)
	return nil
}

// Undelegate restores the staff identity. It is a no-op when not delegated.
func (c *Controller) Undelegate(ctx context.Context) error {
	switch c.State() {
	case Expired:
		return c.sessionExpired("0")
	case Authenticated:
		return nil
	}

	ctx, span := tracer.Start(ctx, "Undelegate")
	defer span.End()

	previous := c.current.MemberID
	c.current = nil
	c.state = Authenticated
	c.lastMember = ""

	if err := c.remoteFailure("0", c.actAs(ctx, "0")); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undelegate request failed")
		return err
	}
	if cookie, ok := c.session.Cookie(core.DelegatedCookie); ok && cookie == previous {
		err := &model.DelegationFailure{
			Kind:     model.DelegationRemoteRejected,
			MemberID: previous,
			Err:      errors.New("portal still reports the previous member after undelegate"),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "undelegate not applied")
		return err
	}
	c.manager.RestoreStaffBearer(c.session)
	slog.DebugContext(ctx, "undelegated", "session", c.session.ID(), "member", previous)
	return nil
}
