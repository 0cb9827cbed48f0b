// Package model holds the entities returned by the portal client. Everything
// here is plain data, the client never persists any of it.
package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Cents is a money amount in the smallest currency unit. Amounts are kept as
// integers so that derived totals never drift.
type Cents int64

// CentsFromFloat rounds a portal dollar amount to the nearest cent.
func CentsFromFloat(dollars float64) Cents {
	return Cents(math.Round(dollars * 100))
}

// ParseCents accepts the shapes the portal uses for money: numbers, quoted
// numbers, and display strings such as "$1,204.50".
func ParseCents(raw string) (Cents, error) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(raw)
	if cleaned == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return CentsFromFloat(f), nil
}

func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

type InvoiceStatus int

const (
	InvoiceUnknown InvoiceStatus = iota
	InvoicePaid
	InvoicePending
	InvoicePastDue
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePaid:
		return "Paid"
	case InvoicePending:
		return "Pending"
	case InvoicePastDue:
		return "PastDue"
	default:
		return "Unknown"
	}
}

// ParseInvoiceStatus maps both the numeric codes of the V2 endpoint
// (1 paid, 2 pending, 5 past due) and their textual forms.
func ParseInvoiceStatus(raw string) InvoiceStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "1", "PAID":
		return InvoicePaid
	case "2", "PENDING", "SCHEDULED":
		return InvoicePending
	case "5", "PAST_DUE", "PASTDUE", "UNPAID", "DELINQUENT", "PAY NOW":
		return InvoicePastDue
	default:
		return InvoiceUnknown
	}
}

type Invoice struct {
	ID             string
	BillingDate    time.Time
	Status         InvoiceStatus
	Total          Cents
	RemainingTotal Cents
}

type ScheduledPayment struct {
	ID      string
	DueDate time.Time
	Amount  Cents
}

// Agreement is a member's billing contract. Invoices is replaced wholesale
// on every fetch.
type Agreement struct {
	ID                string
	MemberID          string
	Name              string
	Invoices          []Invoice
	ScheduledPayments []ScheduledPayment
}

// PastDueAmount is always derived from the invoice set.
func (a Agreement) PastDueAmount() Cents {
	var total Cents
	for _, inv := range a.Invoices {
		if inv.Status == InvoicePastDue {
			total += inv.RemainingTotal
		}
	}
	return total
}

type CalendarEvent struct {
	ID            string
	Title         string
	Start         time.Time
	End           time.Time
	FundingStatus string
	Attendees     []string
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelEmail:
		return ChannelEmail, nil
	}
	return "", fmt.Errorf("unknown message channel %q", raw)
}

type DeliveryStatus string

const (
	DeliveryQueued   DeliveryStatus = "queued"
	DeliveryReceived DeliveryStatus = "received"
	DeliveryUnknown  DeliveryStatus = "unknown"
)

type Message struct {
	ID        string
	From      string
	To        string
	Content   string
	Channel   Channel
	Timestamp time.Time
	Status    DeliveryStatus
}

// MessageResult is what a send reports back. Marker is the phrase in the
// portal's response that confirmed the message was queued.
type MessageResult struct {
	MemberID string
	Channel  Channel
	Status   DeliveryStatus
	Marker   string
}
