// Package portaltest runs an in-process imitation of the portal, close
// enough to the real one that the client's login, delegation and
// verification logic can be exercised end to end. It reproduces the
// portal's quirks on purpose: HTML error pages with status 200, "OK" bodies
// from deletes that did nothing, and silent rejection of forms that do not
// echo the page's hidden fields.
package portaltest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	LoginViewPath = "/action/Login/view"
	LoginPath     = "/action/Login"
)

// DeleteVariantPaths are the delete endpoints the imitation serves, in the
// order the client tries them by default.
var DeleteVariantPaths = []string{
	"/action/EventPopup/remove",
	"/action/Calendar/deleteSession",
	"/action/Calendar/delete",
	"/ajax/calendar/delete",
}

type Invoice struct {
	ID          int
	Status      int
	StatusText  string
	Total       float64
	Remaining   float64
	BillingDate string
}

type ScheduledPayment struct {
	ID      int
	DueDate string
	Amount  float64
}

type Agreement struct {
	ID                int
	Name              string
	MemberID          string
	Invoices          []Invoice
	ScheduledPayments []ScheduledPayment
}

type Event struct {
	ID            int
	Title         string
	Start         string
	End           string
	FundingStatus string
	Attendees     []string
}

type Message struct {
	ID      int
	From    string
	To      string
	Channel string
	Subject string
	Content string
	Sent    time.Time
}

type Fault int

const (
	// FaultExpireSession kills the caller's session before the request is
	// handled, as if the portal timed it out.
	FaultExpireSession Fault = iota + 1
	FaultServerError
	FaultHTMLInsteadOfJSON
	// FaultBareNull answers a JSON "null" with status 200.
	FaultBareNull
)

type faultRule struct {
	prefix string
	fault  Fault
	left   int
}

// Request is one logged request. Delegated is the member the session was
// acting as when the request arrived.
type Request struct {
	Method    string
	Path      string
	Session   string
	Delegated string
}

type session struct {
	id            string
	fingerprint   string
	sourcePage    string
	staffID       string
	authenticated bool
	delegated     string
	bearer        string
	staffBearer   string
}

type Server struct {
	*httptest.Server

	Username  string
	Password  string
	StaffID   string
	BearerTTL time.Duration

	mu           sync.Mutex
	key          []byte
	sessions     map[string]*session
	agreements   []Agreement
	events       map[int]Event
	messages     []Message
	deadVariants map[string]bool
	rejected     map[string]bool
	sendMode     SendMode
	faults       []*faultRule
	log          []Request
	tokenSeq     int

	searchOnLogin      bool
	noDelegationCookie bool
}

type SendMode int

const (
	// SendNormal confirms sends with the portal's marker phrase.
	SendNormal SendMode = iota
	// SendUnmarked stores the message but answers without a marker.
	SendUnmarked
	// SendDropped answers without a marker and stores nothing.
	SendDropped
)

func New() *Server {
	s := &Server{
		Username:     "staff@gym.test",
		Password:     "correct-horse",
		StaffID:      "187032782",
		BearerTTL:    time.Hour,
		key:          []byte(uuid.NewString()),
		sessions:     map[string]*session{},
		events:       map[int]Event{},
		deadVariants: map[string]bool{},
		rejected:     map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+LoginViewPath, s.loginView)
	mux.HandleFunc("POST "+LoginPath, s.login)
	mux.HandleFunc("GET /action/Logout", s.logout)
	mux.HandleFunc("GET /action/Dashboard", s.dashboard)
	mux.HandleFunc("GET /action/Delegate/{member}/url=false", s.delegate)
	mux.HandleFunc("GET /action/PackageAgreementUpdated/spa/", s.spa)
	mux.HandleFunc("GET /api/agreements/package_agreements/list", s.agreementList)
	mux.HandleFunc("GET /api/agreements/package_agreements/V2/{id}", s.agreementDetail)
	mux.HandleFunc("GET /action/Calendar", s.calendar)
	mux.HandleFunc("GET /api/calendar/events", s.calendarEvents)
	for _, path := range DeleteVariantPaths {
		mux.HandleFunc("POST "+path, s.deleteVariant(path))
	}
	mux.HandleFunc("POST /action/FollowUp", s.followUpPopup)
	mux.HandleFunc("POST /action/FollowUp/save", s.followUpSave)
	mux.HandleFunc("POST /action/Dashboard/messages", s.messageList)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

func (s *Server) AddAgreement(a Agreement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements = append(s.agreements, a)
}

func (s *Server) AddEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

// EventIDs lists the events that still exist.
func (s *Server) EventIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// MarkDeadVariant makes a delete endpoint answer "OK" without deleting.
func (s *Server) MarkDeadVariant(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadVariants[path] = true
}

// RejectDelegation makes the portal ignore act-as requests for member.
func (s *Server) RejectDelegation(member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[member] = true
}

// ShowSearchOnLogin renders a quick-search form with its own hidden token
// ahead of the login form. The login post must not carry that token.
func (s *Server) ShowSearchOnLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchOnLogin = true
}

// OmitDelegationCookie stops act-as responses from setting delegatedUserId,
// as some deployments only track delegation server side.
func (s *Server) OmitDelegationCookie() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noDelegationCookie = true
}

// SetPassword changes the staff password, as if it was rotated.
func (s *Server) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Password = password
}

func (s *Server) SetSendMode(mode SendMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendMode = mode
}

func (s *Server) AddMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMessageLocked(m)
}

func (s *Server) addMessageLocked(m Message) {
	if m.ID == 0 {
		m.ID = len(s.messages) + 1
	}
	if m.Sent.IsZero() {
		m.Sent = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)
	}
	s.messages = append(s.messages, m)
}

func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// InjectFault applies fault to the next `times` requests whose path starts
// with prefix.
func (s *Server) InjectFault(prefix string, fault Fault, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &faultRule{prefix: prefix, fault: fault, left: times})
}

// ExpireSessions ends every session on the portal side.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.authenticated = false
	}
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.log...)
}

// Count returns how many logged requests have a path starting with prefix.
func (s *Server) Count(prefix string) int {
	return s.CountFor(prefix, "*")
}

// CountFor is Count restricted to requests made while delegated to member.
// A member of "*" matches any delegation state.
func (s *Server) CountFor(prefix, member string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.log {
		if !strings.HasPrefix(r.Path, prefix) {
			continue
		}
		if member != "*" && r.Delegated != member {
			continue
		}
		n++
	}
	return n
}

// LoggedIn reports how many sessions are currently authenticated.
func (s *Server) LoggedIn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.authenticated {
			n++
		}
	}
	return n
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		sess := s.sessionLocked(r)
		entry := Request{Method: r.Method, Path: r.URL.Path}
		if sess != nil {
			entry.Session = sess.id
			entry.Delegated = sess.delegated
		}
		s.log = append(s.log, entry)

		var fault Fault
		for _, rule := range s.faults {
			if rule.left > 0 && strings.HasPrefix(r.URL.Path, rule.prefix) {
				rule.left--
				fault = rule.fault
				break
			}
		}
		if fault == FaultExpireSession && sess != nil {
			sess.authenticated = false
		}
		s.mu.Unlock()

		switch fault {
		case FaultServerError:
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		case FaultHTMLInsteadOfJSON:
			writeHTML(w, `<html><body><h1>Something went wrong</h1></body></html>`)
			return
		case FaultBareNull:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("null"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sessionLocked(r *http.Request) *session {
	c, err := r.Cookie("JSESSIONID")
	if err != nil {
		return nil
	}
	return s.sessions[c.Value]
}

// authed returns the caller's session, or answers the request the way the
// portal does for an expired session and returns nil.
func (s *Server) authed(w http.ResponseWriter, r *http.Request) *session {
	s.mu.Lock()
	sess := s.sessionLocked(r)
	ok := sess != nil && sess.authenticated
	s.mu.Unlock()
	if ok {
		return sess
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return nil
	}
	http.Redirect(w, r, LoginViewPath+"?__fsk=1221801756", http.StatusFound)
	return nil
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) mintBearerLocked(subject, delegated string) string {
	s.tokenSeq++
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":             subject,
		"delegatedUserId": delegated,
		"jti":             strconv.Itoa(s.tokenSeq),
		"exp":             time.Now().Add(s.BearerTTL).Unix(),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return signed
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func hiddenInputs(sess *session) string {
	return fmt.Sprintf(
		`<input type="hidden" name="_sourcePage" value="%s"><input type="hidden" name="__fp" value="%s">`,
		html.EscapeString(sess.sourcePage), html.EscapeString(sess.fingerprint),
	)
}

func (s *Server) renderLogin(w http.ResponseWriter, sess *session, loginError string) {
	errorBlock := ""
	if loginError != "" {
		errorBlock = fmt.Sprintf(`<div class="login-error">%s</div>`, html.EscapeString(loginError))
	}
	search := ""
	s.mu.Lock()
	if s.searchOnLogin {
		search = `<form action="/action/Search" method="get"><input type="hidden" name="searchToken" value="x"></form>`
	}
	s.mu.Unlock()
	writeHTML(w, fmt.Sprintf(`<html><body>
%s
<form action="%s" method="post">
%s
<input type="text" name="username"><input type="password" name="password">
<input type="submit" name="login" value="Submit">
</form>
%s
</body></html>`, search, LoginPath, hiddenInputs(sess), errorBlock))
}

func (s *Server) loginView(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := &session{
		id:          newToken(),
		fingerprint: newToken(),
		sourcePage:  newToken(),
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: sess.id, Path: "/", HttpOnly: true})
	s.renderLogin(w, sess, "")
}

var loginFields = map[string]bool{
	"_sourcePage": true,
	"__fp":        true,
	"username":    true,
	"password":    true,
	"login":       true,
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess := s.sessionLocked(r)
	if sess == nil {
		s.mu.Unlock()
		http.Redirect(w, r, LoginViewPath, http.StatusFound)
		return
	}

	echoed := r.PostForm.Get("_sourcePage") == sess.sourcePage &&
		r.PostForm.Get("__fp") == sess.fingerprint &&
		r.PostForm.Get("login") == "Submit"
	for field := range r.PostForm {
		if !loginFields[field] {
			echoed = false
		}
	}
	if !echoed {
		s.mu.Unlock()
		s.renderLogin(w, sess, "")
		return
	}
	if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password {
		s.mu.Unlock()
		s.renderLogin(w, sess, "Invalid username or password.")
		return
	}

	sess.authenticated = true
	sess.staffID = s.StaffID
	sess.delegated = ""
	sess.fingerprint = newToken()
	sess.sourcePage = newToken()
	sess.bearer = s.mintBearerLocked(s.StaffID, "")
	sess.staffBearer = sess.bearer
	bearer := sess.bearer
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "loggedInUserId", Value: s.StaffID, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "apiV3AccessToken", Value: bearer, Path: "/"})
	http.Redirect(w, r, "/action/Dashboard", http.StatusFound)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if sess := s.sessionLocked(r); sess != nil {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	http.Redirect(w, r, LoginViewPath, http.StatusFound)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	s.mu.Lock()
	inputs := hiddenInputs(sess)
	s.mu.Unlock()
	writeHTML(w, fmt.Sprintf(`<html><head><script>var loggedInUserId = "%s";</script></head>
<body><form id="quick-search">%s</form><div id="dashboard">Welcome</div></body></html>`, sess.staffID, inputs))
}

func (s *Server) delegate(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	member := r.PathValue("member")

	s.mu.Lock()
	switch {
	case member == "0":
		sess.delegated = ""
		sess.bearer = sess.staffBearer
	case s.rejected[member]:
	default:
		sess.delegated = member
	}
	delegated := sess.delegated
	omit := s.noDelegationCookie
	s.mu.Unlock()

	switch {
	case omit:
	case delegated == "":
		http.SetCookie(w, &http.Cookie{Name: "delegatedUserId", Value: "", Path: "/", MaxAge: -1})
	default:
		http.SetCookie(w, &http.Cookie{Name: "delegatedUserId", Value: delegated, Path: "/"})
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) spa(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	s.mu.Lock()
	subject := sess.staffID
	if sess.delegated != "" {
		subject = sess.delegated
	}
	sess.bearer = s.mintBearerLocked(subject, sess.delegated)
	bearer := sess.bearer
	delegated := sess.delegated
	s.mu.Unlock()

	writeHTML(w, fmt.Sprintf(`<html><head><script>
var ACCESS_TOKEN = "%s";
var delegatedUserId = "%s";
</script></head><body><div id="app"></div></body></html>`, bearer, delegated))
}

// apiAuthed checks the bearer. Header checks are separate because the
// portal reports them differently.
func (s *Server) apiAuthed(w http.ResponseWriter, r *http.Request) *session {
	sess := s.authed(w, r)
	if sess == nil {
		return nil
	}
	s.mu.Lock()
	expected := "Bearer " + sess.bearer
	s.mu.Unlock()
	if r.Header.Get("Authorization") != expected {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
		return nil
	}
	return sess
}

// agreementHeadersOK mirrors the V2 api's habit of answering a request with
// a missing header with an HTML page and status 200.
func agreementHeadersOK(w http.ResponseWriter, r *http.Request) bool {
	ok := r.Header.Get("API-version") == "1" &&
		strings.Contains(r.Header.Get("Accept"), "application/json") &&
		r.Header.Get("X-Requested-With") == "XMLHttpRequest" &&
		r.Header.Get("Referer") != ""
	if !ok {
		writeHTML(w, `<!DOCTYPE html><html><body><div class="error-page">An error has occurred.</div></body></html>`)
	}
	return ok
}

func (s *Server) scopedMember(sess *session) string {
	if sess.delegated != "" {
		return sess.delegated
	}
	return sess.staffID
}

func (s *Server) agreementList(w http.ResponseWriter, r *http.Request) {
	sess := s.apiAuthed(w, r)
	if sess == nil || !agreementHeadersOK(w, r) {
		return
	}
	s.mu.Lock()
	member := s.scopedMember(sess)
	var items []map[string]any
	for _, a := range s.agreements {
		if a.MemberID != member {
			continue
		}
		items = append(items, map[string]any{
			"packageAgreement": map[string]any{"id": a.ID, "name": a.Name},
		})
	}
	s.mu.Unlock()
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, items)
}

func (s *Server) agreementDetail(w http.ResponseWriter, r *http.Request) {
	sess := s.apiAuthed(w, r)
	if sess == nil || !agreementHeadersOK(w, r) {
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, map[string]any{"error": "invalid agreement id"})
		return
	}

	s.mu.Lock()
	var found *Agreement
	for i := range s.agreements {
		if s.agreements[i].ID == id {
			a := s.agreements[i]
			found = &a
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		writeJSON(w, map[string]any{"error": "agreement not found"})
		return
	}

	invoices := make([]map[string]any, len(found.Invoices))
	for i, inv := range found.Invoices {
		invoices[i] = map[string]any{
			"id":             inv.ID,
			"invoiceStatus":  inv.Status,
			"status":         inv.StatusText,
			"total":          inv.Total,
			"remainingTotal": inv.Remaining,
			"billingDate":    inv.BillingDate,
		}
	}
	payments := make([]map[string]any, len(found.ScheduledPayments))
	for i, p := range found.ScheduledPayments {
		payments[i] = map[string]any{
			"id":      p.ID,
			"dueDate": p.DueDate,
			"amount":  p.Amount,
		}
	}
	writeJSON(w, map[string]any{
		"packageAgreement": map[string]any{
			"id":       found.ID,
			"name":     found.Name,
			"memberId": found.MemberID,
		},
		"include": map[string]any{
			"invoices":          invoices,
			"scheduledPayments": payments,
		},
	})
}

func (s *Server) calendar(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	s.mu.Lock()
	inputs := hiddenInputs(sess)
	ids := make([]int, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var events strings.Builder
	for _, id := range ids {
		e := s.events[id]
		data, _ := json.Marshal(map[string]any{"eventId": e.ID, "title": e.Title})
		events.WriteString(fmt.Sprintf(
			`<div class="cal-event" data-event-id="%d"><input type="hidden" name="calendarEvent" value="%s"><span>%s</span></div>`,
			e.ID, html.EscapeString(string(data)), html.EscapeString(e.Title),
		))
	}
	s.mu.Unlock()

	writeHTML(w, fmt.Sprintf(`<html><body><form id="calendar-form">%s</form><div id="calendar">%s</div></body></html>`, inputs, events.String()))
}

func (s *Server) calendarEvents(w http.ResponseWriter, r *http.Request) {
	if s.apiAuthed(w, r) == nil {
		return
	}
	var requested []int
	for _, raw := range r.URL.Query()["eventIds"] {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err == nil {
				requested = append(requested, id)
			}
		}
	}

	s.mu.Lock()
	events := []map[string]any{}
	for _, id := range requested {
		e, ok := s.events[id]
		if !ok {
			continue
		}
		attendees := make([]map[string]any, len(e.Attendees))
		for i, a := range e.Attendees {
			attendees[i] = map[string]any{"tfoUserId": a}
		}
		events = append(events, map[string]any{
			"id":            e.ID,
			"title":         e.Title,
			"startTime":     e.Start,
			"endTime":       e.End,
			"fundingStatus": e.FundingStatus,
			"attendees":     attendees,
		})
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) deleteVariant(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.authed(w, r)
		if sess == nil {
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rawID := r.PostForm.Get("id")
		if rawID == "" {
			rawID = r.PostForm.Get("calendarEvent.id")
		}
		id, _ := strconv.Atoi(rawID)

		s.mu.Lock()
		tokensOK := r.PostForm.Get("__fp") == sess.fingerprint &&
			r.PostForm.Get("_sourcePage") == sess.sourcePage
		if tokensOK && !s.deadVariants[path] {
			delete(s.events, id)
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("OK"))
	}
}

func (s *Server) followUpPopup(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	r.ParseForm()
	s.mu.Lock()
	inputs := hiddenInputs(sess)
	s.mu.Unlock()
	writeHTML(w, fmt.Sprintf(`<div class="follow-up-popup"><form>%s<input type="hidden" name="followUpLog.tfoUserId" value="%s"></form></div>`,
		inputs, html.EscapeString(r.PostForm.Get("followUpUserId"))))
}

func (s *Server) followUpSave(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(w, r)
	if sess == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.PostForm
	member := form.Get("followUpLog.tfoUserId")

	var msg Message
	var marker string
	switch {
	case form.Get("followUpLog.followUpAction") == "3" && form.Get("textMessage") != "":
		msg = Message{Channel: "sms", Content: form.Get("textMessage")}
		marker = "has been texted"
	case form.Get("followUpLog.followUpAction") == "2" && form.Get("emailMessage") != "":
		content := strings.TrimSuffix(strings.TrimPrefix(form.Get("emailMessage"), "<p>"), "</p>")
		msg = Message{Channel: "email", Subject: form.Get("emailSubject"), Content: content}
		marker = "has been emailed"
	}

	s.mu.Lock()
	tokensOK := form.Get("__fp") == sess.fingerprint && form.Get("_sourcePage") == sess.sourcePage
	mode := s.sendMode
	if member == "" || marker == "" || !tokensOK {
		s.mu.Unlock()
		writeHTML(w, `<div class="alert alert-danger">Something isn't right. Please try again.</div>`)
		return
	}
	msg.From = sess.staffID
	msg.To = member
	if mode != SendDropped {
		s.addMessageLocked(msg)
	}
	s.mu.Unlock()

	if mode != SendNormal {
		writeHTML(w, `<html><body><div id="dashboard">Follow-ups</div></body></html>`)
		return
	}
	writeHTML(w, fmt.Sprintf(`<div class="alert alert-success">Member %s %s.</div>`, html.EscapeString(member), marker))
}

func (s *Server) messageList(w http.ResponseWriter, r *http.Request) {
	if s.authed(w, r) == nil {
		return
	}
	r.ParseForm()
	owner := r.PostForm.Get("userId")

	s.mu.Lock()
	var items strings.Builder
	for _, m := range s.messages {
		if m.To != owner && m.From != owner {
			continue
		}
		items.WriteString(fmt.Sprintf(
			`<li id="message-%d"><div class="message %s"><h3>%s</h3><span class="recipient">%s</span><p>%s</p><div class="message-options"><span>%s</span></div></div></li>`,
			m.ID, m.Channel, html.EscapeString(m.From), html.EscapeString(m.To),
			html.EscapeString(m.Content), m.Sent.Format("01/02/2006 03:04 PM"),
		))
	}
	s.mu.Unlock()
	writeHTML(w, fmt.Sprintf(`<div id="message-list"><ul>%s</ul></div>`, items.String()))
}
