package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"gymops-backend/lib/chrono"
	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/delegation"
	"gymops-backend/lib/portal/model"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	agreementListPath   = "/api/agreements/package_agreements/list"
	agreementDetailPath = "/api/agreements/package_agreements/V2/"
)

// getJSON issues a V2 api request with the full header set. Leaving any of
// these out makes the portal answer with an HTML page and status 200.
func (d *Dispatcher) getJSON(ctx context.Context, op, path string, query url.Values) classify.Outcome {
	referer := d.session.Referer()
	if referer == "" {
		referer = d.session.URL(delegation.SpaPath)
	}
	req := d.session.R(ctx).
		SetHeader("API-version", "1").
		SetHeader("Accept", "application/json").
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", referer).
		SetQueryParamsFromValues(query)
	if bearer := d.session.Bearer(); bearer != "" {
		req.SetAuthToken(bearer)
	}
	res, err := req.Get(path)
	return d.classify(ctx, op, core.RawFrom(res, err), classify.JSON)
}

func (d *Dispatcher) requireDelegated(memberID string) error {
	current, ok := d.delegation.Current()
	if ok && current == memberID {
		return nil
	}
	return &model.DelegationFailure{
		Kind:     model.DelegationRemoteRejected,
		MemberID: memberID,
		Err:      ErrNotDelegated,
	}
}

// FetchAgreements returns every agreement of memberID with a freshly
// fetched invoice set. The session must already be delegated to memberID.
func (d *Dispatcher) FetchAgreements(ctx context.Context, memberID string) ([]model.Agreement, error) {
	ctx, span := tracer.Start(ctx, "FetchAgreements")
	defer span.End()
	span.SetAttributes(attribute.String("member_id", memberID))

	if err := d.requireDelegated(memberID); err != nil {
		span.SetStatus(codes.Error, "not delegated")
		return nil, err
	}

	refs, err := d.listAgreements(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list agreements")
		return nil, err
	}

	agreements := make([]model.Agreement, 0, len(refs))
	for _, ref := range refs {
		agreement, err := d.fetchAgreement(ctx, memberID, string(ref.ID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch agreement")
			return nil, fmt.Errorf("agreement %s: %w", ref.ID, err)
		}
		if agreement.Name == "" {
			agreement.Name = ref.Name
		}
		agreements = append(agreements, agreement)
	}
	return agreements, nil
}

func (d *Dispatcher) listAgreements(ctx context.Context) ([]agreementRef, error) {
	out := d.getJSON(ctx, "agreement_list", agreementListPath, nil)
	body, err := classify.Decode[json.RawMessage](out)
	if err != nil {
		return nil, err
	}

	// either a bare array or an envelope around one
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var envelope struct {
			Data       json.RawMessage `json:"data"`
			Agreements json.RawMessage `json:"agreements"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &model.ServerError{Reason: "decode agreement list: " + err.Error()}
		}
		body = envelope.Data
		if len(body) == 0 {
			body = envelope.Agreements
		}
	}
	if len(body) == 0 {
		return nil, nil
	}

	var items []agreementListItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &model.ServerError{Reason: "decode agreement list: " + err.Error()}
	}
	refs := make([]agreementRef, 0, len(items))
	seen := map[flexID]bool{}
	for _, item := range items {
		ref := item.ref()
		if ref.ID == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Dispatcher) fetchAgreement(ctx context.Context, memberID, agreementID string) (model.Agreement, error) {
	query := url.Values{
		"include": {"invoices", "scheduledPayments", "prohibitChangeTypes"},
		"_":       {d.timestamp()},
	}
	out := d.getJSON(ctx, "agreement_detail", agreementDetailPath+url.PathEscape(agreementID), query)
	payload, err := classify.Decode[v2Agreement](out)
	if err != nil {
		return model.Agreement{}, err
	}

	owner := string(payload.PackageAgreement.MemberID)
	if owner != "" && owner != memberID {
		return model.Agreement{}, &model.ValidationError{Message: fmt.Sprintf(
			"agreement %s belongs to member %s, expected %s",
			agreementID, owner, memberID,
		)}
	}

	agreement := model.Agreement{
		ID:       agreementID,
		MemberID: memberID,
		Name:     payload.PackageAgreement.Name,
	}
	for _, inv := range payload.invoices() {
		status := model.ParseInvoiceStatus(string(inv.InvoiceStatus))
		if status == model.InvoiceUnknown {
			status = model.ParseInvoiceStatus(inv.Status)
		}
		billed, _ := chrono.ParseLocal(inv.BillingDate, d.cfg.Location)
		agreement.Invoices = append(agreement.Invoices, model.Invoice{
			ID:             string(inv.ID),
			BillingDate:    billed,
			Status:         status,
			Total:          model.Cents(inv.Total),
			RemainingTotal: model.Cents(inv.RemainingTotal),
		})
	}
	for _, p := range payload.scheduledPayments() {
		due, _ := chrono.ParseLocal(p.DueDate, d.cfg.Location)
		agreement.ScheduledPayments = append(agreement.ScheduledPayments, model.ScheduledPayment{
			ID:      string(p.ID),
			DueDate: due,
			Amount:  model.Cents(p.Amount),
		})
	}
	return agreement, nil
}
