package dispatch

import (
	"context"
	"fmt"
	"html"
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
	followUpPath     = "/action/FollowUp"
	followUpSavePath = "/action/FollowUp/save"
	messageListPath  = "/action/Dashboard/messages"
)

// follow-up action codes the portal uses for each channel
var channelAction = map[model.Channel]string{
	model.ChannelSMS:   "3",
	model.ChannelEmail: "2",
}

func (d *Dispatcher) followUpForm(memberID, text string, channel model.Channel, subject string) url.Values {
	form := url.Values{
		"followUpStatus":             {"1"},
		"followUpType":               {"3"},
		"followUpSequence":           {""},
		"memberSalesFollowUpStatus":  {"6"},
		"followUpLog.id":             {""},
		"followUpLog.tfoUserId":      {memberID},
		"event.createdFor.tfoUserId": {memberID},
		"followUpUser.tfoUserId":     {memberID},
		"followUpUser.role.id":       {"7"},
		"event.eventType":            {"FOLLOWUP"},
		"duration":                   {"1"},
		tokens.FingerprintField:      {d.session.Fingerprint()},
		tokens.SourcePageField:       {d.session.SourcePage()},
	}
	action := channelAction[channel]
	form.Set("followUpLog.outcome", action)
	form.Set("followUpLog.followUpAction", action)

	switch channel {
	case model.ChannelSMS:
		form.Set("textMessage", text)
	case model.ChannelEmail:
		if subject == "" {
			subject = d.cfg.EmailSubject
		}
		form.Set("emailSubject", subject)
		form.Set("emailMessage", "<p>"+html.EscapeString(text)+"</p>")
	}
	return form
}

// SendMessage opens the follow-up popup for memberID, which issues the form
// tokens, and saves a follow-up that carries the message. The outcome is
// classified by marker phrases, the status code means nothing here.
func (d *Dispatcher) SendMessage(ctx context.Context, memberID, text string, channel model.Channel, subject string) classify.Outcome {
	ctx, span := tracer.Start(ctx, "SendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("member_id", memberID),
		attribute.String("channel", string(channel)),
	)

	if _, ok := channelAction[channel]; !ok {
		err := &model.ValidationError{Message: fmt.Sprintf("unsupported channel %q", channel)}
		span.SetStatus(codes.Error, "unsupported channel")
		return classify.Outcome{Kind: classify.ValidationError, Message: err.Message, Cause: err}
	}
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, "empty message")
		return classify.Outcome{Kind: classify.ValidationError, Message: "message text is empty"}
	}

	popup := d.manager.Open(ctx, d.session, followUpPath, url.Values{
		"followUpUserId": {memberID},
		"followUpType":   {"3"},
	})
	if out := d.classify(ctx, "follow_up_popup", popup, classify.HTML); out.Kind != classify.Success {
		span.SetStatus(codes.Error, "failed to open follow-up popup")
		return out
	}

	res, err := d.session.R(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", d.session.Referer()).
		SetFormDataFromValues(d.followUpForm(memberID, text, channel, subject)).
		Post(followUpSavePath)
	out := d.classify(ctx, "follow_up_save", core.RawFrom(res, err), classify.Marker)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	if out.Kind != classify.Success {
		span.SetStatus(codes.Error, out.Message)
	}
	return out
}

// ListMessages returns the conversation of ownerID as listed on the
// dashboard.
func (d *Dispatcher) ListMessages(ctx context.Context, ownerID string) ([]model.Message, error) {
	ctx, span := tracer.Start(ctx, "ListMessages")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID))

	res, err := d.session.R(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", d.session.URL("/action/Dashboard")).
		SetFormData(map[string]string{"userId": ownerID}).
		Post(messageListPath)
	out := d.classify(ctx, "message_list", core.RawFrom(res, err), classify.HTML)
	if out.Kind != classify.Success {
		err := out.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list messages")
		return nil, err
	}

	doc, err := htmlutil.Parse(out.Body)
	if err != nil {
		return nil, &model.ServerError{Status: out.Status, Reason: "parse message list: " + err.Error()}
	}
	return d.parseMessages(doc), nil
}

func (d *Dispatcher) parseMessages(doc *goquery.Document) []model.Message {
	var messages []model.Message
	doc.Find("#message-list li").Each(func(_ int, li *goquery.Selection) {
		div := li.Find("div.message").First()
		if div.Length() == 0 {
			return
		}
		msg := model.Message{
			ID:      strings.TrimPrefix(li.AttrOr("id", ""), "message-"),
			From:    htmlutil.CleanText(div.Find("h3").First().Text()),
			To:      htmlutil.CleanText(div.Find("span.recipient").First().Text()),
			Content: htmlutil.CleanText(div.Find("p").First().Text()),
			Status:  model.DeliveryUnknown,
		}
		switch {
		case div.HasClass("sms"):
			msg.Channel = model.ChannelSMS
		case div.HasClass("email"):
			msg.Channel = model.ChannelEmail
		}
		if status := htmlutil.CleanText(div.Find(".message-status").First().Text()); status != "" {
			switch strings.ToLower(status) {
			case "queued", "sent":
				msg.Status = model.DeliveryQueued
			case "received", "delivered":
				msg.Status = model.DeliveryReceived
			}
		}
		stamp := htmlutil.CleanText(div.Find("div.message-options span").First().Text())
		msg.Timestamp, _ = chrono.ParseLocal(stamp, d.cfg.Location)
		messages = append(messages, msg)
	})
	return messages
}

// MessageListed reports whether a message to memberID with the given
// content shows up in the member's conversation. It is how an unmarked
// send response is resolved, since sending again could deliver twice.
func (d *Dispatcher) MessageListed(ctx context.Context, memberID, text string, channel model.Channel) (bool, error) {
	messages, err := d.ListMessages(ctx, memberID)
	if err != nil {
		return false, err
	}
	want := htmlutil.CleanText(text)
	for _, m := range messages {
		if m.To != memberID || m.Content != want {
			continue
		}
		if m.Channel != "" && m.Channel != channel {
			continue
		}
		return true, nil
	}
	return false, nil
}
