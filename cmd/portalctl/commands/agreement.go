package commands

import (
	"fmt"

	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var agreementAll *bool

func init() {
	agreementAll = agreementCmd.Flags().Bool("all", false, "Show every agreement of the member, not only the primary one.")
	rootCmd.AddCommand(agreementCmd)
}

func printAgreement(a model.Agreement) {
	fmt.Printf("%s (agreement %s, member %s)\n", a.Name, a.ID, a.MemberID)

	t := newTable()
	t.AppendHeader(table.Row{"Invoice", "Billing date", "Status", "Total", "Remaining"})
	for _, inv := range a.Invoices {
		t.AppendRow(table.Row{inv.ID, formatDate(inv.BillingDate), inv.Status, inv.Total, inv.RemainingTotal})
	}
	t.AppendFooter(table.Row{"", "", "Past due", "", a.PastDueAmount()})
	t.Render()

	if len(a.ScheduledPayments) == 0 {
		return
	}
	t = newTable()
	t.AppendHeader(table.Row{"Scheduled payment", "Due", "Amount"})
	for _, p := range a.ScheduledPayments {
		t.AppendRow(table.Row{p.ID, formatDate(p.DueDate), p.Amount})
	}
	t.Render()
}

var agreementCmd = &cobra.Command{
	Use:   "agreement <member id> [--all]",
	Short: "Shows a member's billing agreement with its invoices.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, logout := connect(cmd.Context())
		defer logout()

		agreements, err := client.FetchAgreements(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("failed to fetch agreements", err)
		}
		if len(agreements) == 0 {
			fmt.Println("member has no agreements")
			return
		}
		if !*agreementAll {
			agreements = agreements[:1]
		}
		for _, a := range agreements {
			printAgreement(a)
		}
	},
}
