package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"gymops-backend/lib/chrono"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/tokens"
	"gymops-backend/lib/restyutil"
	"gymops-backend/lib/telemetry"
	"gymops-backend/lib/textutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = telemetry.Tracer("gymops.lib.portal.core")
var meter = telemetry.Meter("gymops.lib.portal.core")
var loginCounter, _ = meter.Int64Counter("portal.logins")
var reloginCounter, _ = meter.Int64Counter("portal.relogins")

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	DefaultBearerTTL = 55 * time.Minute
)

type Config struct {
	BaseURL       string
	LoginViewPath string
	LoginPath     string
	LogoutPath    string
	UserAgent     string
	Timeout       time.Duration
	// RequestsPerSecond <= 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	BearerTTL         time.Duration
	CloudflareBypass  bool
}

func (c Config) withDefaults() Config {
	if c.LoginViewPath == "" {
		c.LoginViewPath = "/action/Login/view?__fsk=1221801756"
	}
	if c.LoginPath == "" {
		c.LoginPath = classify.DefaultLoginPath
	}
	if c.LogoutPath == "" {
		c.LogoutPath = "/action/Logout"
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.BearerTTL <= 0 {
		c.BearerTTL = DefaultBearerTTL
	}
	return c
}

type Option func(m *Manager)

func WithClock(clock chrono.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithTranscripts dumps every request and response a session makes.
func WithTranscripts(out restyutil.InstrumentOutput) Option {
	return func(m *Manager) {
		m.transcripts = out
	}
}

// Manager creates and maintains sessions. It holds no per-session state of
// its own, so one Manager can serve a whole pool.
type Manager struct {
	cfg         Config
	base        *url.URL
	clock       chrono.Clock
	transcripts restyutil.InstrumentOutput
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	m := &Manager{
		cfg:   cfg,
		base:  base,
		clock: chrono.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) Clock() chrono.Clock {
	return m.clock
}

func (m *Manager) newSession(creds credentials) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	client := resty.New()
	client.SetBaseURL(m.cfg.BaseURL)
	client.SetCookieJar(jar)
	if m.cfg.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetHeader("user-agent", m.cfg.UserAgent)
	client.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(10),
		resty.DomainCheckRedirectPolicy(m.base.Hostname()),
	)
	client.SetTimeout(m.cfg.Timeout)

	limit := rate.Inf
	if m.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(m.cfg.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, m.cfg.Burst)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(client, "gymops.lib.portal.http")
	restyutil.InstrumentClient(client, id[:8], m.transcripts)

	return &Session{
		id:      id,
		base:    m.base,
		http:    client,
		jar:     jar,
		creds:   creds,
		created: m.clock.Now(),
	}, nil
}

func authNetwork(err error) error {
	return &model.AuthError{Kind: model.AuthNetwork, Err: err}
}

func authParse(detail string) error {
	return &model.AuthError{Kind: model.ParseFailure, Detail: detail}
}

// Login performs the portal's form login. On any failure no session is
// returned.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	s, err := m.newSession(credentials{username: username, password: password})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create session")
		return nil, err
	}

	res, err := s.R(ctx).Get(m.cfg.LoginViewPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login page")
		return nil, authNetwork(err)
	}
	if res.StatusCode() >= 400 {
		span.SetStatus(codes.Error, "login page returned an error status")
		return nil, authNetwork(fmt.Errorf("login page status %d", res.StatusCode()))
	}

	page := tokens.Extract(res.Body())
	if page.LoginForm == nil {
		span.SetStatus(codes.Error, "failed to find login form")
		return nil, authParse("login page has no form")
	}

	form := url.Values{}
	for _, f := range page.LoginForm {
		form.Add(f.Name, f.Value)
	}
	for _, name := range []string{tokens.FingerprintField, tokens.SourcePageField} {
		if form.Get(name) == "" {
			span.SetStatus(codes.Error, "login form is missing a token")
			return nil, authParse("login form has no " + name)
		}
	}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("login", "Submit")

	res, err = s.R(ctx).
		SetHeader("Referer", s.URL(m.cfg.LoginViewPath)).
		SetFormDataFromValues(form).
		Post(m.cfg.LoginPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		return nil, authNetwork(err)
	}
	if res.StatusCode() >= 500 {
		span.SetStatus(codes.Error, "login returned a server error")
		return nil, authNetwork(fmt.Errorf("login status %d", res.StatusCode()))
	}

	final := finalURL(res)
	landed := tokens.Extract(res.Body())
	if strings.Contains(pathOf(final), m.cfg.LoginPath) {
		if landed.LoginError != "" {
			span.SetStatus(codes.Error, model.InvalidCredentials.String())
			return nil, &model.AuthError{Kind: model.InvalidCredentials, Detail: landed.LoginError}
		}
		span.SetStatus(codes.Error, "login page re-rendered without an error")
		return nil, authParse("login page re-rendered without an error message")
	}

	staffID, ok := s.Cookie(IdentityCookie)
	if !ok && landed.IdentityID != nil {
		staffID, ok = *landed.IdentityID, true
	}
	if !ok {
		span.SetStatus(codes.Error, "identity cookie missing")
		return nil, authParse("identity cookie missing after login")
	}

	s.mu.Lock()
	s.staffID = staffID
	s.valid = true
	s.referer = final
	s.absorbLocked(landed)
	if bearer, ok := s.Cookie(BearerCookie); ok && s.bearer == "" {
		s.bearer = bearer
	}
	s.staffBearer = s.bearer
	s.bearerExpiry = m.bearerExpiry(s.bearer)
	s.mu.Unlock()

	loginCounter.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.String("staff_id", staffID),
		attribute.Bool("bearer", s.Bearer() != ""),
	)
	slog.InfoContext(
		ctx, "portal login succeeded",
		"session", s.id,
		"staff_id", staffID,
		"bearer", textutil.Truncate(s.Bearer(), 8),
	)
	return s, nil
}

// Refresh returns s unchanged while it is still usable, otherwise it
// performs a full login with the same credentials. The portal has no
// lighter token refresh.
func (m *Manager) Refresh(ctx context.Context, s *Session) (*Session, error) {
	if !s.Expired(m.clock.Now()) {
		return s, nil
	}

	ctx, span := tracer.Start(ctx, "Refresh")
	defer span.End()

	m.Invalidate(s)
	fresh, err := m.Login(ctx, s.creds.username, s.creds.password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relogin failed")
		return nil, err
	}
	reloginCounter.Add(ctx, 1)
	slog.InfoContext(ctx, "portal session renewed", "old", s.id, "new", fresh.id)
	return fresh, nil
}

// Invalidate marks s unusable. Any delegation tied to it is implicitly gone.
func (m *Manager) Invalidate(s *Session) {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func (m *Manager) Logout(ctx context.Context, s *Session) error {
	ctx, span := tracer.Start(ctx, "Logout")
	defer span.End()
	defer m.Invalidate(s)

	if !s.Valid() {
		return nil
	}
	_, err := s.R(ctx).Get(m.cfg.LogoutPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to logout")
		return &model.NetworkError{Err: err}
	}
	return nil
}

// Navigate loads a page the way a browser would, remembers it as the
// referer, and absorbs any tokens it exposes. The returned Raw is meant for
// classify.Classify.
func (m *Manager) Navigate(ctx context.Context, s *Session, path string) classify.Raw {
	ctx, span := tracer.Start(ctx, "Navigate")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	req := s.R(ctx)
	if referer := s.Referer(); referer != "" {
		req.SetHeader("Referer", referer)
	}
	res, err := req.Get(path)
	return m.observe(s, res, err)
}

// Open is Navigate for pages that are reached through a form post, such as
// popups.
func (m *Manager) Open(ctx context.Context, s *Session, path string, form url.Values) classify.Raw {
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	req := s.R(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetFormDataFromValues(form)
	if referer := s.Referer(); referer != "" {
		req.SetHeader("Referer", referer)
	}
	res, err := req.Post(path)
	return m.observe(s, res, err)
}

func (m *Manager) observe(s *Session, res *resty.Response, err error) classify.Raw {
	raw := RawFrom(res, err)
	if raw.Err != nil || raw.Status >= 400 {
		return raw
	}
	if strings.Contains(pathOf(raw.FinalURL), m.cfg.LoginPath) {
		return raw
	}

	found := tokens.Extract(raw.Body)
	s.mu.Lock()
	s.referer = raw.FinalURL
	s.absorbLocked(found)
	if found.Bearer != nil {
		s.bearerExpiry = m.bearerExpiry(s.bearer)
	}
	s.mu.Unlock()
	return raw
}

// RestoreStaffBearer drops a member-scoped bearer after undelegation.
func (m *Manager) RestoreStaffBearer(s *Session) {
	s.mu.Lock()
	s.bearer = s.staffBearer
	s.bearerExpiry = m.bearerExpiry(s.bearer)
	s.mu.Unlock()
}

func (s *Session) absorbLocked(t tokens.Tokens) {
	if t.Fingerprint != nil {
		s.fingerprint = *t.Fingerprint
	}
	if t.SourcePage != nil {
		s.sourcePage = *t.SourcePage
	}
	if t.Bearer != nil {
		s.bearer = *t.Bearer
	}
}

// bearerExpiry reads the exp claim without verifying the signature, the key
// belongs to the portal. Opaque tokens get the default ttl.
func (m *Manager) bearerExpiry(bearer string) time.Time {
	if bearer == "" {
		return time.Time{}
	}
	now := m.clock.Now()
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(bearer, claims)
	if err != nil {
		return now.Add(m.cfg.BearerTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(m.cfg.BearerTTL)
	}
	return exp.Time
}

// RawFrom converts a resty result into classifier input.
func RawFrom(res *resty.Response, err error) classify.Raw {
	if err != nil {
		var urlErr *url.Error
		if res == nil || res.RawResponse == nil || errors.As(err, &urlErr) {
			return classify.Raw{Err: err}
		}
	}
	return classify.Raw{
		FinalURL:    finalURL(res),
		Status:      res.StatusCode(),
		ContentType: res.Header().Get("Content-Type"),
		Body:        res.Body(),
	}
}

func finalURL(res *resty.Response) string {
	if res == nil {
		return ""
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL.String()
	}
	return res.Request.URL
}

func pathOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Path
}
