package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gymops-backend/lib/portal/model"

	"github.com/stretchr/testify/require"
)

var messagingShape = Shape{
	Kind:           Marker,
	SuccessMarkers: []string{"has been texted", "has been emailed"},
	ErrorMarkers:   []string{"something isn't right"},
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		raw      Raw
		shape    Shape
		expected Kind
	}{
		{
			name:     "redirect to login wins over everything",
			raw:      Raw{FinalURL: "https://portal.test/action/Login/view?__fsk=1", Status: 200, ContentType: "application/json", Body: []byte(`{"ok":1}`)},
			shape:    Shape{Kind: JSON},
			expected: SessionExpired,
		},
		{
			name:     "401",
			raw:      Raw{FinalURL: "https://portal.test/api/x", Status: 401},
			shape:    Shape{Kind: JSON},
			expected: SessionExpired,
		},
		{
			name:     "html where json expected",
			raw:      Raw{FinalURL: "https://portal.test/api/x", Status: 200, ContentType: "text/html; charset=utf-8", Body: []byte("<html><body>Error</body></html>")},
			shape:    Shape{Kind: JSON},
			expected: ServerError,
		},
		{
			name:     "bare OK for structured payload",
			raw:      Raw{Status: 200, ContentType: "text/html", Body: []byte("OK")},
			shape:    Shape{Kind: JSON},
			expected: AmbiguousSuccess,
		},
		{
			name:     "empty body",
			raw:      Raw{Status: 200, ContentType: "application/json"},
			shape:    Shape{Kind: JSON},
			expected: AmbiguousSuccess,
		},
		{
			name:     "json error field",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"error":"agreement not found"}`)},
			shape:    Shape{Kind: JSON},
			expected: ValidationError,
		},
		{
			name:     "json success false",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"success":false,"message":"nope"}`)},
			shape:    Shape{Kind: JSON},
			expected: ValidationError,
		},
		{
			name:     "json null error field is not an error",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"error":null,"invoices":[]}`)},
			shape:    Shape{Kind: JSON},
			expected: Success,
		},
		{
			name:     "malformed json",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"invoices":[`)},
			shape:    Shape{Kind: JSON},
			expected: ServerError,
		},
		{
			name:     "json success",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"invoices":[{"id":1}]}`)},
			shape:    Shape{Kind: JSON},
			expected: Success,
		},
		{
			name:     "empty json array is a payload",
			raw:      Raw{Status: 200, ContentType: "application/json", Body: []byte(`[]`)},
			shape:    Shape{Kind: JSON},
			expected: Success,
		},
		{
			name:     "5xx",
			raw:      Raw{Status: 503, Body: []byte("busy")},
			shape:    Shape{Kind: JSON},
			expected: ServerError,
		},
		{
			name:     "404",
			raw:      Raw{Status: 404, Body: []byte("not here")},
			shape:    Shape{Kind: HTML},
			expected: ValidationError,
		},
		{
			name:     "html page",
			raw:      Raw{Status: 200, ContentType: "text/html", Body: []byte("<html><div class='cal-event'></div></html>")},
			shape:    Shape{Kind: HTML},
			expected: Success,
		},
		{
			name:     "marker success",
			raw:      Raw{Status: 200, ContentType: "text/html", Body: []byte("<p>Jane   Has been TEXTED.</p>")},
			shape:    messagingShape,
			expected: Success,
		},
		{
			name:     "marker error wins",
			raw:      Raw{Status: 200, ContentType: "text/html", Body: []byte("Something isn't right. has been texted")},
			shape:    messagingShape,
			expected: ValidationError,
		},
		{
			name:     "marker absent",
			raw:      Raw{Status: 200, ContentType: "text/html", Body: []byte("<html>dashboard</html>")},
			shape:    messagingShape,
			expected: AmbiguousSuccess,
		},
		{
			name:     "timeout is a server error",
			raw:      Raw{Err: fmt.Errorf("get: %w", context.DeadlineExceeded)},
			shape:    Shape{Kind: JSON},
			expected: ServerError,
		},
		{
			name:     "transport error",
			raw:      Raw{Err: errors.New("connection refused")},
			shape:    Shape{Kind: JSON},
			expected: NetworkError,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := Classify(c.raw, c.shape)
			require.Equal(t, c.expected, out.Kind, "message: %s", out.Message)
		})
	}
}

func TestOutcomeErr(t *testing.T) {
	require.NoError(t, Outcome{Kind: Success}.Err())
	require.ErrorIs(t, Outcome{Kind: SessionExpired}.Err(), model.ErrSessionExpired)
	require.ErrorIs(t, Outcome{Kind: AmbiguousSuccess}.Err(), model.ErrAmbiguousSuccess)

	var validation *model.ValidationError
	require.ErrorAs(t, Outcome{Kind: ValidationError, Message: "bad"}.Err(), &validation)
	require.Equal(t, "bad", validation.Message)

	var server *model.ServerError
	require.ErrorAs(t, Outcome{Kind: ServerError, Status: 502}.Err(), &server)
	require.Equal(t, 502, server.Status)

	var network *model.NetworkError
	require.ErrorAs(t, Outcome{Kind: NetworkError, Message: "reset"}.Err(), &network)
}

func TestDecode(t *testing.T) {
	type payload struct {
		Invoices []struct {
			ID int `json:"id"`
		} `json:"invoices"`
	}

	out := Classify(Raw{Status: 200, ContentType: "application/json", Body: []byte(`{"invoices":[{"id":7}]}`)}, Shape{Kind: JSON})
	decoded, err := Decode[payload](out)
	require.NoError(t, err)
	require.Len(t, decoded.Invoices, 1)
	require.Equal(t, 7, decoded.Invoices[0].ID)

	_, err = Decode[payload](Outcome{Kind: SessionExpired})
	require.ErrorIs(t, err, model.ErrSessionExpired)

	_, err = Decode[payload](Outcome{Kind: Success, Body: []byte(`{"invoices":"nope"}`)})
	var server *model.ServerError
	require.ErrorAs(t, err, &server)
}
