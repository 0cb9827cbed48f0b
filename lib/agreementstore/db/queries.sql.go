package db

import (
	"context"
)

const upsertAgreement = `-- name: UpsertAgreement :exec
insert into agreement (id, member_id, name, synced_at)
values (?, ?, ?, ?)
on conflict (id) do update set
    member_id = excluded.member_id,
    name = excluded.name,
    synced_at = excluded.synced_at
`

type UpsertAgreementParams struct {
	ID       string
	MemberID string
	Name     string
	SyncedAt int64
}

func (q *Queries) UpsertAgreement(ctx context.Context, arg UpsertAgreementParams) error {
	_, err := q.db.ExecContext(ctx, upsertAgreement,
		arg.ID,
		arg.MemberID,
		arg.Name,
		arg.SyncedAt,
	)
	return err
}

const deleteInvoices = `-- name: DeleteInvoices :exec
delete from invoice where agreement_id = ?
`

func (q *Queries) DeleteInvoices(ctx context.Context, agreementID string) error {
	_, err := q.db.ExecContext(ctx, deleteInvoices, agreementID)
	return err
}

const createInvoice = `-- name: CreateInvoice :exec
insert into invoice (agreement_id, id, billing_date, status, total, remaining)
values (?, ?, ?, ?, ?, ?)
`

type CreateInvoiceParams struct {
	AgreementID string
	ID          string
	BillingDate int64
	Status      int64
	Total       int64
	Remaining   int64
}

func (q *Queries) CreateInvoice(ctx context.Context, arg CreateInvoiceParams) error {
	_, err := q.db.ExecContext(ctx, createInvoice,
		arg.AgreementID,
		arg.ID,
		arg.BillingDate,
		arg.Status,
		arg.Total,
		arg.Remaining,
	)
	return err
}

const deleteScheduledPayments = `-- name: DeleteScheduledPayments :exec
delete from scheduled_payment where agreement_id = ?
`

func (q *Queries) DeleteScheduledPayments(ctx context.Context, agreementID string) error {
	_, err := q.db.ExecContext(ctx, deleteScheduledPayments, agreementID)
	return err
}

const createScheduledPayment = `-- name: CreateScheduledPayment :exec
insert into scheduled_payment (agreement_id, id, due_date, amount)
values (?, ?, ?, ?)
`

type CreateScheduledPaymentParams struct {
	AgreementID string
	ID          string
	DueDate     int64
	Amount      int64
}

func (q *Queries) CreateScheduledPayment(ctx context.Context, arg CreateScheduledPaymentParams) error {
	_, err := q.db.ExecContext(ctx, createScheduledPayment,
		arg.AgreementID,
		arg.ID,
		arg.DueDate,
		arg.Amount,
	)
	return err
}

const getAgreements = `-- name: GetAgreements :many
select id, member_id, name, synced_at from agreement
where member_id = ?
order by id
`

func (q *Queries) GetAgreements(ctx context.Context, memberID string) ([]Agreement, error) {
	rows, err := q.db.QueryContext(ctx, getAgreements, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Agreement
	for rows.Next() {
		var i Agreement
		if err := rows.Scan(
			&i.ID,
			&i.MemberID,
			&i.Name,
			&i.SyncedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getInvoices = `-- name: GetInvoices :many
select agreement_id, id, billing_date, status, total, remaining from invoice
where agreement_id = ?
order by billing_date, id
`

func (q *Queries) GetInvoices(ctx context.Context, agreementID string) ([]Invoice, error) {
	rows, err := q.db.QueryContext(ctx, getInvoices, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Invoice
	for rows.Next() {
		var i Invoice
		if err := rows.Scan(
			&i.AgreementID,
			&i.ID,
			&i.BillingDate,
			&i.Status,
			&i.Total,
			&i.Remaining,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getScheduledPayments = `-- name: GetScheduledPayments :many
select agreement_id, id, due_date, amount from scheduled_payment
where agreement_id = ?
order by due_date, id
`

func (q *Queries) GetScheduledPayments(ctx context.Context, agreementID string) ([]ScheduledPayment, error) {
	rows, err := q.db.QueryContext(ctx, getScheduledPayments, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ScheduledPayment
	for rows.Next() {
		var i ScheduledPayment
		if err := rows.Scan(
			&i.AgreementID,
			&i.ID,
			&i.DueDate,
			&i.Amount,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getPastDue = `-- name: GetPastDue :many
select agreement.member_id, agreement.id, agreement.name, agreement.synced_at,
    cast(sum(invoice.remaining) as integer) as past_due
from agreement
inner join invoice on invoice.agreement_id = agreement.id
where invoice.status = ?
group by agreement.id
order by past_due desc, agreement.member_id
`

type GetPastDueRow struct {
	MemberID string
	ID       string
	Name     string
	SyncedAt int64
	PastDue  int64
}

func (q *Queries) GetPastDue(ctx context.Context, status int64) ([]GetPastDueRow, error) {
	rows, err := q.db.QueryContext(ctx, getPastDue, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GetPastDueRow
	for rows.Next() {
		var i GetPastDueRow
		if err := rows.Scan(
			&i.MemberID,
			&i.ID,
			&i.Name,
			&i.SyncedAt,
			&i.PastDue,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
