package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gymops-backend/cmd/portalctl/globals"
	"gymops-backend/lib/agreementstore"
	"gymops-backend/lib/portal"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/portal/pool"
	"gymops-backend/lib/serviceutil"
	"gymops-backend/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	batchMembers  *string
	batchSessions *int
	batchDb       *string

	campaignText    *string
	campaignChannel *string
	campaignSubject *string
)

func init() {
	batchMembers = batchCmd.PersistentFlags().String("members", "members.txt", "File with one member id per line.")
	batchSessions = batchCmd.PersistentFlags().Int("sessions", 0, "Portal sessions to work with in parallel, overrides the config.")
	batchDb = batchBillingCmd.Flags().String("db", "", "The database to write agreements to, overrides the config.")

	campaignText = batchMessageCmd.Flags().String("text", "", "The message to send.")
	campaignChannel = batchMessageCmd.Flags().String("channel", "sms", "sms or email")
	campaignSubject = batchMessageCmd.Flags().String("subject", "", "Subject of an email.")
	batchMessageCmd.MarkFlagRequired("text")

	batchCmd.AddCommand(batchBillingCmd)
	batchCmd.AddCommand(batchMessageCmd)
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Runs an operation for many members over a pool of sessions.",
}

func readMembers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var members []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		members = append(members, line)
	}
	return members, scanner.Err()
}

func openPool(ctx context.Context) *pool.Pool[*portal.Client] {
	g := globals.Get(ctx)
	if err := g.Credentials.Validate(); err != nil {
		serviceutil.Fatal("cannot login", err)
	}

	sessions := g.Config.Sessions
	if *batchSessions > 0 {
		sessions = *batchSessions
	}
	if sessions <= 0 {
		sessions = 2
	}

	p, err := pool.New(ctx, func(ctx context.Context) (*portal.Client, error) {
		return portal.New(ctx, g.Config.Portal, g.Credentials, clientOptions(g)...)
	}, sessions)
	if err != nil {
		serviceutil.Fatal("failed to login portal sessions", err)
	}
	slog.Info("portal sessions ready", "sessions", p.Size())
	return p
}

func closePool(ctx context.Context, p *pool.Pool[*portal.Client]) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		slog.Warn("failed to logout portal sessions", "err", err)
	}
}

func printReport(report pool.Report) {
	t := newTable()
	t.AppendHeader(table.Row{"Member", "Result", "Error"})
	for _, f := range report.Failed {
		t.AppendRow(table.Row{f.MemberID, "failed", f.Err})
	}
	for _, m := range report.Skipped {
		t.AppendRow(table.Row{m, "skipped", ""})
	}
	t.AppendFooter(table.Row{"Processed", len(report.Processed), fmt.Sprintf("of %d", report.Total())})
	t.Render()
}

var batchBillingCmd = &cobra.Command{
	Use:   "billing [--members <file>] [--sessions <n>] [--db <path/to/agreements.db>]",
	Short: "Fetches the agreements of every member and stores them.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		g := globals.Get(ctx)

		members, err := readMembers(*batchMembers)
		if err != nil {
			serviceutil.Fatal("failed to read members", err)
		}

		path := g.Config.Database
		if *batchDb != "" {
			path = *batchDb
		}
		if path == "" {
			path = "agreements.db"
		}
		store, err := agreementstore.Open(ctx, path)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer store.Close()

		p := openPool(ctx)
		defer closePool(ctx, p)
		telemetry.InstrumentPerfStats(ctx, 10*time.Second)

		t1 := time.Now()
		report := p.RunBatch(ctx, members, func(ctx context.Context, client *portal.Client, member string) error {
			agreements, err := client.FetchAgreements(ctx, member)
			if err != nil {
				return err
			}
			return store.Push(ctx, agreementstore.PushRequest{
				Time:       time.Now(),
				Agreements: agreements,
			})
		})
		slog.Info("billing sync time", "seconds", time.Since(t1).Seconds())
		printReport(report)

		pastDue, err := store.PastDue(context.WithoutCancel(ctx))
		if err != nil {
			serviceutil.Fatal("failed to read past due agreements", err)
		}
		t := newTable()
		t.AppendHeader(table.Row{"Member", "Agreement", "Name", "Past due", "Synced"})
		for _, row := range pastDue {
			t.AppendRow(table.Row{row.MemberID, row.AgreementID, row.Name, row.Amount, formatTime(row.SyncedAt)})
		}
		t.Render()
	},
}

var batchMessageCmd = &cobra.Command{
	Use:   "message --text <text> [--channel sms|email] [--subject <subject>] [--members <file>]",
	Short: "Sends the same message to every member.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		channel, err := model.ParseChannel(*campaignChannel)
		if err != nil {
			serviceutil.Fatal("invalid --channel", err)
		}
		members, err := readMembers(*batchMembers)
		if err != nil {
			serviceutil.Fatal("failed to read members", err)
		}

		p := openPool(ctx)
		defer closePool(ctx, p)
		telemetry.InstrumentPerfStats(ctx, 10*time.Second)

		report := p.RunBatch(ctx, members, func(ctx context.Context, client *portal.Client, member string) error {
			_, err := client.SendMessage(ctx, member, *campaignText, channel, portal.WithSubject(*campaignSubject))
			return err
		})
		printReport(report)
	},
}
