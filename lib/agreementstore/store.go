// Package agreementstore keeps the last synced copy of member agreements in
// sqlite, so batch runs can be reported on without going back to the portal.
package agreementstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gymops-backend/lib/agreementstore/db"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("gymops.lib.agreementstore")

type Store struct {
	db  *sql.DB
	qry *db.Queries
}

func NewStore(database *sql.DB) Store {
	return Store{
		db:  database,
		qry: db.New(database),
	}
}

// Open opens (or creates) the sqlite database at path and applies the
// schema.
func Open(ctx context.Context, path string) (Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, err
	}
	// sqlite allows one writer, and ":memory:" is private to a connection
	database.SetMaxOpenConns(1)
	_, err = database.ExecContext(ctx, "pragma foreign_keys = on")
	if err != nil {
		database.Close()
		return Store{}, err
	}
	_, err = database.ExecContext(ctx, db.Schema)
	if err != nil {
		database.Close()
		return Store{}, fmt.Errorf("apply schema: %w", err)
	}
	return NewStore(database), nil
}

func (s Store) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

type PushRequest struct {
	Time       time.Time
	Agreements []model.Agreement
}

// Push stores a fetch. The invoices and scheduled payments of every pushed
// agreement replace what was stored for it before.
func (s Store) Push(ctx context.Context, req PushRequest) error {
	ctx, span := tracer.Start(ctx, "Push")
	defer span.End()
	span.SetAttributes(attribute.Int("agreements", len(req.Agreements)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	for _, a := range req.Agreements {
		err := txqry.UpsertAgreement(ctx, db.UpsertAgreementParams{
			ID:       a.ID,
			MemberID: a.MemberID,
			Name:     a.Name,
			SyncedAt: req.Time.Unix(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to upsert agreement")
			return err
		}

		err = txqry.DeleteInvoices(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, inv := range a.Invoices {
			err := txqry.CreateInvoice(ctx, db.CreateInvoiceParams{
				AgreementID: a.ID,
				ID:          inv.ID,
				BillingDate: unixOrZero(inv.BillingDate),
				Status:      int64(inv.Status),
				Total:       int64(inv.Total),
				Remaining:   int64(inv.RemainingTotal),
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to create invoice")
				return err
			}
		}

		err = txqry.DeleteScheduledPayments(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, p := range a.ScheduledPayments {
			err := txqry.CreateScheduledPayment(ctx, db.CreateScheduledPaymentParams{
				AgreementID: a.ID,
				ID:          p.ID,
				DueDate:     unixOrZero(p.DueDate),
				Amount:      int64(p.Amount),
			})
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Pull returns the stored agreements of a member.
func (s Store) Pull(ctx context.Context, memberID string) ([]model.Agreement, error) {
	ctx, span := tracer.Start(ctx, "Pull")
	defer span.End()

	rows, err := s.qry.GetAgreements(ctx, memberID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get agreements")
		return nil, err
	}

	agreements := make([]model.Agreement, 0, len(rows))
	for _, r := range rows {
		invoices, err := s.qry.GetInvoices(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		payments, err := s.qry.GetScheduledPayments(ctx, r.ID)
		if err != nil {
			return nil, err
		}

		a := model.Agreement{
			ID:       r.ID,
			MemberID: r.MemberID,
			Name:     r.Name,
		}
		for _, inv := range invoices {
			a.Invoices = append(a.Invoices, model.Invoice{
				ID:             inv.ID,
				BillingDate:    timeOrZero(inv.BillingDate),
				Status:         model.InvoiceStatus(inv.Status),
				Total:          model.Cents(inv.Total),
				RemainingTotal: model.Cents(inv.Remaining),
			})
		}
		for _, p := range payments {
			a.ScheduledPayments = append(a.ScheduledPayments, model.ScheduledPayment{
				ID:      p.ID,
				DueDate: timeOrZero(p.DueDate),
				Amount:  model.Cents(p.Amount),
			})
		}
		agreements = append(agreements, a)
	}
	return agreements, nil
}

type PastDue struct {
	MemberID    string
	AgreementID string
	Name        string
	Amount      model.Cents
	SyncedAt    time.Time
}

// PastDue lists agreements with past due invoices, largest balance first.
func (s Store) PastDue(ctx context.Context) ([]PastDue, error) {
	rows, err := s.qry.GetPastDue(ctx, int64(model.InvoicePastDue))
	if err != nil {
		return nil, err
	}
	out := make([]PastDue, len(rows))
	for i, r := range rows {
		out[i] = PastDue{
			MemberID:    r.MemberID,
			AgreementID: r.ID,
			Name:        r.Name,
			Amount:      model.Cents(r.PastDue),
			SyncedAt:    time.Unix(r.SyncedAt, 0),
		}
	}
	return out, nil
}
