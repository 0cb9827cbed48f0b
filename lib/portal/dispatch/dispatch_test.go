package dispatch

import (
	"context"
	"testing"
	"time"

	"gymops-backend/lib/htmlutil"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/delegation"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/portaltest"
	"gymops-backend/lib/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv  *portaltest.Server
	ctrl *delegation.Controller
	disp *Dispatcher
}

func setup(t *testing.T) fixture {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "test:portal/dispatch")
	t.Cleanup(cleanup)

	srv := portaltest.New()
	t.Cleanup(srv.Close)

	manager, err := core.NewManager(core.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	session, err := manager.Login(context.Background(), srv.Username, srv.Password)
	require.NoError(t, err)

	ctrl := delegation.New(manager, session, nil, 10*time.Minute)
	return fixture{
		srv:  srv,
		ctrl: ctrl,
		disp: New(manager, session, ctrl, Config{Location: time.UTC}),
	}
}

func seedAgreements(srv *portaltest.Server) {
	srv.AddAgreement(portaltest.Agreement{
		ID:       501,
		Name:     "Premier 12 Month",
		MemberID: "1001",
		Invoices: []portaltest.Invoice{
			{ID: 1, Status: 1, Total: 49.99, Remaining: 0, BillingDate: "2025-01-05"},
			{ID: 2, Status: 5, Total: 49.99, Remaining: 49.99, BillingDate: "2025-02-05"},
			{ID: 3, Status: 0, StatusText: "PAST_DUE", Total: 49.99, Remaining: 20.01, BillingDate: "2025-03-05"},
			{ID: 4, Status: 2, Total: 49.99, Remaining: 49.99, BillingDate: "2025-04-05"},
		},
		ScheduledPayments: []portaltest.ScheduledPayment{
			{ID: 9, DueDate: "2025-05-05", Amount: 49.99},
		},
	})
	srv.AddAgreement(portaltest.Agreement{
		ID:       777,
		Name:     "Someone Else",
		MemberID: "2002",
		Invoices: []portaltest.Invoice{
			{ID: 70, Status: 5, Total: 10, Remaining: 10, BillingDate: "2025-02-05"},
		},
	})
}

func TestFetchAgreements(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedAgreements(f.srv)

	require.NoError(t, f.ctrl.Delegate(ctx, "1001"))
	agreements, err := f.disp.FetchAgreements(ctx, "1001")
	require.NoError(t, err)
	require.Len(t, agreements, 1)

	a := agreements[0]
	require.Equal(t, "501", a.ID)
	require.Equal(t, "1001", a.MemberID)
	require.Equal(t, "Premier 12 Month", a.Name)
	require.Len(t, a.Invoices, 4)
	require.Equal(t, model.Cents(7000), a.PastDueAmount())

	statuses := make([]model.InvoiceStatus, len(a.Invoices))
	for i, inv := range a.Invoices {
		statuses[i] = inv.Status
	}
	require.Equal(t, []model.InvoiceStatus{
		model.InvoicePaid, model.InvoicePastDue, model.InvoicePastDue, model.InvoicePending,
	}, statuses)
	require.Equal(t, time.Date(2025, time.February, 5, 0, 0, 0, 0, time.UTC), a.Invoices[1].BillingDate)

	require.Len(t, a.ScheduledPayments, 1)
	require.Equal(t, model.Cents(4999), a.ScheduledPayments[0].Amount)

	// every billing request ran while delegated to the member
	require.Equal(t, f.srv.Count("/api/agreements/"), f.srv.CountFor("/api/agreements/", "1001"))
}

func TestFetchAgreementsRequiresDelegation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedAgreements(f.srv)

	_, err := f.disp.FetchAgreements(ctx, "1001")
	require.ErrorIs(t, err, ErrNotDelegated)
	require.Equal(t, 0, f.srv.Count("/api/"))

	require.NoError(t, f.ctrl.Delegate(ctx, "2002"))
	_, err = f.disp.FetchAgreements(ctx, "1001")
	require.ErrorIs(t, err, &model.DelegationFailure{Kind: model.DelegationRemoteRejected})
	require.Equal(t, 0, f.srv.Count("/api/"))
}

func TestFetchAgreementIdentityMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedAgreements(f.srv)

	require.NoError(t, f.ctrl.Delegate(ctx, "1001"))
	_, err := f.disp.fetchAgreement(ctx, "1001", "777")
	var validation *model.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Contains(t, validation.Message, "belongs to member 2002")
}

func TestFetchAgreementsFaults(t *testing.T) {
	cases := []struct {
		name  string
		fault portaltest.Fault
		check func(t *testing.T, err error)
	}{
		{
			name:  "html instead of json",
			fault: portaltest.FaultHTMLInsteadOfJSON,
			check: func(t *testing.T, err error) {
				var server *model.ServerError
				require.ErrorAs(t, err, &server)
				require.True(t, model.IsRetryable(err))
			},
		},
		{
			name:  "server error",
			fault: portaltest.FaultServerError,
			check: func(t *testing.T, err error) {
				var server *model.ServerError
				require.ErrorAs(t, err, &server)
				require.Equal(t, 503, server.Status)
			},
		},
		{
			name:  "session expired",
			fault: portaltest.FaultExpireSession,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, model.ErrSessionExpired)
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			seedAgreements(f.srv)

			require.NoError(t, f.ctrl.Delegate(ctx, "1001"))
			f.srv.InjectFault("/api/agreements/package_agreements/V2/", c.fault, 1)
			_, err := f.disp.FetchAgreements(ctx, "1001")
			require.Error(t, err)
			c.check(t, err)
		})
	}
}

func TestFetchAgreementsEmpty(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Delegate(ctx, "4004"))
	agreements, err := f.disp.FetchAgreements(ctx, "4004")
	require.NoError(t, err)
	require.Empty(t, agreements)
}

func TestEventIDs(t *testing.T) {
	doc, err := htmlutil.Parse([]byte(`<html><body>
<div data-event-id="12"></div>
<input type="hidden" name="calendarEvent" value="{&#34;eventId&#34;:12}">
<input type="hidden" name="calendarEvent" value="{&#34;eventId&#34;:&#34;40&#34;}">
<input type="hidden" name="__fp" value="abc">
<div data-event-id=" 7 "></div>
</body></html>`))
	require.NoError(t, err)
	require.Equal(t, []string{"12", "7", "40"}, eventIDs(doc))
}

func TestListCalendarEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.srv.AddEvent(portaltest.Event{
		ID: 11, Title: "PT Session", Start: "2025-03-03T09:00:00", End: "2025-03-03T10:00:00",
		FundingStatus: "FUNDED", Attendees: []string{"1001"},
	})
	f.srv.AddEvent(portaltest.Event{
		ID: 12, Title: "Orientation", Start: "2025-03-04T09:00:00", End: "2025-03-04T09:30:00",
		FundingStatus: "NOT_FUNDED", Attendees: []string{"1001", "2002"},
	})

	events, err := f.disp.ListCalendarEvents(ctx)
	require.NoError(t, err)

	expected := []model.CalendarEvent{
		{
			ID: "11", Title: "PT Session",
			Start:         time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC),
			End:           time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC),
			FundingStatus: "FUNDED", Attendees: []string{"1001"},
		},
		{
			ID: "12", Title: "Orientation",
			Start:         time.Date(2025, time.March, 4, 9, 0, 0, 0, time.UTC),
			End:           time.Date(2025, time.March, 4, 9, 30, 0, 0, time.UTC),
			FundingStatus: "NOT_FUNDED", Attendees: []string{"1001", "2002"},
		},
	}
	if diff := cmp.Diff(expected, events); diff != "" {
		t.Fatalf("calendar events mismatch (-want +got):\n%s", diff)
	}
}

func TestListCalendarEventsEmpty(t *testing.T) {
	f := setup(t)
	events, err := f.disp.ListCalendarEvents(context.Background())
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, 0, f.srv.Count("/api/calendar/events"))
}

func TestDeleteCalendarEventOutcomesAreOnlyHints(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.srv.AddEvent(portaltest.Event{ID: 21, Title: "Class"})
	f.srv.MarkDeadVariant(portaltest.DeleteVariantPaths[0])
	f.srv.MarkDeadVariant(portaltest.DeleteVariantPaths[1])

	variants := f.disp.CalendarDeleteVariants()
	require.Len(t, variants, 4)

	for i, variant := range variants[:3] {
		out := f.disp.DeleteCalendarEvent(ctx, variant, "21")
		require.Equal(t, classify.AmbiguousSuccess, out.Kind, "variant %s", variant.Name)
		if i < 2 {
			require.Equal(t, []int{21}, f.srv.EventIDs(), "dead variant %s must not delete", variant.Name)
		}
	}
	require.Empty(t, f.srv.EventIDs())

	pageLoads := 0
	for _, r := range f.srv.Requests() {
		if r.Path == calendarPath {
			pageLoads++
		}
	}
	require.Equal(t, 1, pageLoads, "calendar tokens are loaded once")
}

func TestSendMessage(t *testing.T) {
	cases := []struct {
		channel model.Channel
		marker  string
	}{
		{channel: model.ChannelSMS, marker: "has been texted"},
		{channel: model.ChannelEmail, marker: "has been emailed"},
	}

	for _, c := range cases {
		t.Run(string(c.channel), func(t *testing.T) {
			f := setup(t)
			out := f.disp.SendMessage(context.Background(), "1001", "See you at 6", c.channel, "")
			require.Equal(t, classify.Success, out.Kind, out.Message)
			require.Equal(t, c.marker, out.Marker)

			messages := f.srv.Messages()
			require.Len(t, messages, 1)
			require.Equal(t, "1001", messages[0].To)
			require.Equal(t, string(c.channel), messages[0].Channel)
			require.Equal(t, "See you at 6", messages[0].Content)
			if c.channel == model.ChannelEmail {
				require.Equal(t, "A message from your gym", messages[0].Subject)
			}
		})
	}
}

func TestSendMessageUnmarked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.srv.SetSendMode(portaltest.SendUnmarked)
	out := f.disp.SendMessage(ctx, "1001", "Reminder", model.ChannelSMS, "")
	require.Equal(t, classify.AmbiguousSuccess, out.Kind)

	listed, err := f.disp.MessageListed(ctx, "1001", "Reminder", model.ChannelSMS)
	require.NoError(t, err)
	require.True(t, listed)

	f.srv.SetSendMode(portaltest.SendDropped)
	out = f.disp.SendMessage(ctx, "1001", "Dropped", model.ChannelSMS, "")
	require.Equal(t, classify.AmbiguousSuccess, out.Kind)

	listed, err = f.disp.MessageListed(ctx, "1001", "Dropped", model.ChannelSMS)
	require.NoError(t, err)
	require.False(t, listed)
}

func TestSendMessageRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	out := f.disp.SendMessage(ctx, "1001", "hi", model.Channel("fax"), "")
	require.Equal(t, classify.ValidationError, out.Kind)

	out = f.disp.SendMessage(ctx, "1001", "   ", model.ChannelSMS, "")
	require.Equal(t, classify.ValidationError, out.Kind)
	require.Equal(t, 0, f.srv.Count("/action/FollowUp"))
}

func TestListMessages(t *testing.T) {
	f := setup(t)
	sent := time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)
	f.srv.AddMessage(portaltest.Message{From: "187032782", To: "1001", Channel: "sms", Content: "Hello  there", Sent: sent})
	f.srv.AddMessage(portaltest.Message{From: "1001", To: "187032782", Channel: "email", Content: "Thanks", Sent: sent})
	f.srv.AddMessage(portaltest.Message{From: "187032782", To: "2002", Channel: "sms", Content: "Not yours", Sent: sent})

	messages, err := f.disp.ListMessages(context.Background(), "1001")
	require.NoError(t, err)

	expected := []model.Message{
		{ID: "1", From: "187032782", To: "1001", Content: "Hello there", Channel: model.ChannelSMS, Timestamp: sent, Status: model.DeliveryUnknown},
		{ID: "2", From: "1001", To: "187032782", Content: "Thanks", Channel: model.ChannelEmail, Timestamp: sent, Status: model.DeliveryUnknown},
	}
	if diff := cmp.Diff(expected, messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}
