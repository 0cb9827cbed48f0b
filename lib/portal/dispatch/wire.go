package dispatch

import (
	"bytes"
	"encoding/json"
	"strings"

	"gymops-backend/lib/portal/model"
)

// flexID accepts ids the portal sends as either numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// flexCents accepts amounts as numbers, quoted numbers or display strings.
type flexCents model.Cents

func (f *flexCents) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if raw == "null" {
		*f = 0
		return nil
	}
	c, err := model.ParseCents(raw)
	if err != nil {
		return err
	}
	*f = flexCents(c)
	return nil
}

type agreementRef struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

type agreementListItem struct {
	agreementRef
	PackageAgreement *agreementRef `json:"packageAgreement"`
}

func (i agreementListItem) ref() agreementRef {
	if i.PackageAgreement != nil && i.PackageAgreement.ID != "" {
		return *i.PackageAgreement
	}
	return i.agreementRef
}

type v2Invoice struct {
	ID             flexID    `json:"id"`
	InvoiceStatus  flexID    `json:"invoiceStatus"`
	Status         string    `json:"status"`
	Total          flexCents `json:"total"`
	RemainingTotal flexCents `json:"remainingTotal"`
	BillingDate    string    `json:"billingDate"`
}

type v2ScheduledPayment struct {
	ID      flexID    `json:"id"`
	DueDate string    `json:"dueDate"`
	Amount  flexCents `json:"amount"`
}

type v2Include struct {
	Invoices          []v2Invoice          `json:"invoices"`
	ScheduledPayments []v2ScheduledPayment `json:"scheduledPayments"`
}

type v2Agreement struct {
	PackageAgreement struct {
		ID       flexID `json:"id"`
		Name     string `json:"name"`
		MemberID flexID `json:"memberId"`
	} `json:"packageAgreement"`
	Include *v2Include `json:"include"`
	v2Include
}

func (a v2Agreement) invoices() []v2Invoice {
	if a.Include != nil && a.Include.Invoices != nil {
		return a.Include.Invoices
	}
	return a.Invoices
}

func (a v2Agreement) scheduledPayments() []v2ScheduledPayment {
	if a.Include != nil && a.Include.ScheduledPayments != nil {
		return a.Include.ScheduledPayments
	}
	return a.ScheduledPayments
}

type calendarEventPayload struct {
	ID            flexID            `json:"id"`
	Title         string            `json:"title"`
	StartTime     string            `json:"startTime"`
	EndTime       string            `json:"endTime"`
	FundingStatus string            `json:"fundingStatus"`
	Attendees     []json.RawMessage `json:"attendees"`
}

type calendarEventsPayload struct {
	Events []calendarEventPayload `json:"events"`
}

// attendeeID reads an attendee that is either a bare id or an object
// carrying one.
func attendeeID(raw json.RawMessage) string {
	var id flexID
	if err := json.Unmarshal(raw, &id); err == nil {
		return string(id)
	}
	var obj struct {
		TfoUserID flexID `json:"tfoUserId"`
		MemberID  flexID `json:"memberId"`
		ID        flexID `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, candidate := range []flexID{obj.TfoUserID, obj.MemberID, obj.ID} {
		if candidate != "" {
			return string(candidate)
		}
	}
	return ""
}
