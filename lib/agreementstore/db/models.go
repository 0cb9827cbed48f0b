package db

type Agreement struct {
	ID       string
	MemberID string
	Name     string
	SyncedAt int64
}

type Invoice struct {
	AgreementID string
	ID          string
	BillingDate int64
	Status      int64
	Total       int64
	Remaining   int64
}

type ScheduledPayment struct {
	AgreementID string
	ID          string
	DueDate     int64
	Amount      int64
}
