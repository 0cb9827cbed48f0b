// Package classify turns raw portal responses into typed outcomes. The HTTP
// status is not trusted on its own: the portal answers malformed requests
// with 200 and an HTML page, and some mutations answer "OK" without doing
// anything.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/textutil"
)

type Kind int

const (
	Success Kind = iota
	SessionExpired
	ValidationError
	AmbiguousSuccess
	ServerError
	NetworkError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case SessionExpired:
		return "session_expired"
	case ValidationError:
		return "validation_error"
	case AmbiguousSuccess:
		return "ambiguous_success"
	case ServerError:
		return "server_error"
	case NetworkError:
		return "network_error"
	}
	return "unknown"
}

type ShapeKind int

const (
	JSON ShapeKind = iota
	HTML
	// Marker responses are judged by phrases in the body.
	Marker
)

const DefaultLoginPath = "/action/Login"

type Shape struct {
	Kind           ShapeKind
	SuccessMarkers []string
	ErrorMarkers   []string
	// LoginPath defaults to DefaultLoginPath.
	LoginPath string
}

// Raw is a response as it came off the wire, or the transport error that
// replaced it.
type Raw struct {
	FinalURL    string
	Status      int
	ContentType string
	Body        []byte
	Err         error
}

type Outcome struct {
	Kind    Kind
	Status  int
	Body    []byte
	Message string
	// Marker is the success phrase that matched, for Marker shapes.
	Marker string
	Cause  error
}

// bare literals the portal sends where a payload was expected
var bareLiterals = map[string]bool{
	"ok":      true,
	`"ok"`:    true,
	"true":    true,
	"success": true,
	"null":    true,
}

func isBare(body []byte) bool {
	trimmed := strings.ToLower(strings.TrimSpace(string(body)))
	return trimmed == "" || bareLiterals[trimmed]
}

func Classify(raw Raw, shape Shape) Outcome {
	loginPath := shape.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}

	if raw.Err != nil {
		if isTimeout(raw.Err) {
			return Outcome{Kind: ServerError, Message: "request timed out", Cause: raw.Err}
		}
		return Outcome{Kind: NetworkError, Message: raw.Err.Error(), Cause: raw.Err}
	}

	out := Outcome{Status: raw.Status, Body: raw.Body}

	if redirectedToLogin(raw.FinalURL, loginPath) || raw.Status == 401 {
		out.Kind = SessionExpired
		out.Message = "redirected to login"
		return out
	}
	if raw.Status >= 500 {
		out.Kind = ServerError
		out.Message = fmt.Sprintf("status %d", raw.Status)
		return out
	}
	if raw.Status >= 400 {
		out.Kind = ValidationError
		out.Message = fmt.Sprintf("status %d: %s", raw.Status, textutil.Truncate(strings.TrimSpace(string(raw.Body)), 120))
		return out
	}

	if shape.Kind == JSON && isHTML(raw.ContentType) && !isBare(raw.Body) {
		out.Kind = ServerError
		out.Message = "html returned where json was expected"
		return out
	}

	if isBare(raw.Body) {
		out.Kind = AmbiguousSuccess
		out.Message = textutil.Truncate(strings.TrimSpace(string(raw.Body)), 20)
		return out
	}

	switch shape.Kind {
	case JSON:
		return classifyJSON(out)
	case Marker:
		return classifyMarker(out, shape)
	default:
		out.Kind = Success
		return out
	}
}

func classifyJSON(out Outcome) Outcome {
	var generic any
	if err := json.Unmarshal(out.Body, &generic); err != nil {
		out.Kind = ServerError
		out.Message = "malformed json: " + err.Error()
		return out
	}
	if msg, ok := jsonError(generic); ok {
		out.Kind = ValidationError
		out.Message = msg
		return out
	}
	out.Kind = Success
	return out
}

// jsonError looks for the error conventions the portal's api uses.
func jsonError(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"error", "errorMessage", "errors"} {
		value, present := obj[key]
		if !present || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			if typed != "" {
				return typed, true
			}
		case bool:
			if typed {
				return key, true
			}
		case []any:
			if len(typed) > 0 {
				return fmt.Sprint(typed...), true
			}
		case map[string]any:
			if len(typed) > 0 {
				if msg, ok := typed["message"].(string); ok {
					return msg, true
				}
				return fmt.Sprint(typed), true
			}
		}
	}
	if success, ok := obj["success"].(bool); ok && !success {
		msg, _ := obj["message"].(string)
		if msg == "" {
			msg = "request rejected"
		}
		return msg, true
	}
	return "", false
}

func classifyMarker(out Outcome, shape Shape) Outcome {
	if marker, ok := textutil.ContainsAny(string(out.Body), shape.ErrorMarkers); ok {
		out.Kind = ValidationError
		out.Message = marker
		return out
	}
	if marker, ok := textutil.ContainsAny(string(out.Body), shape.SuccessMarkers); ok {
		out.Kind = Success
		out.Marker = marker
		return out
	}
	out.Kind = AmbiguousSuccess
	out.Message = "no success marker in response"
	return out
}

func redirectedToLogin(finalURL, loginPath string) bool {
	if finalURL == "" {
		return false
	}
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return strings.Contains(finalURL, loginPath)
	}
	return strings.HasPrefix(parsed.Path, loginPath)
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Err maps the outcome onto the client's error taxonomy. Success maps to nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case Success:
		return nil
	case SessionExpired:
		return model.ErrSessionExpired
	case ValidationError:
		return &model.ValidationError{Message: o.Message}
	case AmbiguousSuccess:
		return model.ErrAmbiguousSuccess
	case ServerError:
		return &model.ServerError{Status: o.Status, Reason: o.Message}
	case NetworkError:
		cause := o.Cause
		if cause == nil {
			cause = errors.New(o.Message)
		}
		return &model.NetworkError{Err: cause}
	}
	return fmt.Errorf("unknown outcome kind %d", o.Kind)
}

// Decode parses a successful JSON outcome into T.
func Decode[T any](o Outcome) (T, error) {
	var out T
	if o.Kind != Success {
		return out, o.Err()
	}
	dec := json.NewDecoder(bytes.NewReader(o.Body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, &model.ServerError{Status: o.Status, Reason: "decode response: " + err.Error()}
	}
	return out, nil
}
