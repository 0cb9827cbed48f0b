package commands

import (
	"fmt"
	"strings"

	"gymops-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	calendarCmd.AddCommand(calendarListCmd)
	calendarCmd.AddCommand(calendarDeleteCmd)
	rootCmd.AddCommand(calendarCmd)
}

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Lists and removes calendar events.",
}

var calendarListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the events on the staff calendar.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client, logout := connect(cmd.Context())
		defer logout()

		events, err := client.ListCalendarEvents(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to list calendar events", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Title", "Start", "End", "Funding", "Attendees"})
		for _, e := range events {
			t.AppendRow(table.Row{
				e.ID, e.Title, formatTime(e.Start), formatTime(e.End),
				e.FundingStatus, strings.Join(e.Attendees, ", "),
			})
		}
		t.Render()
	},
}

var calendarDeleteCmd = &cobra.Command{
	Use:   "delete <event id>",
	Short: "Deletes an event and confirms it is gone from the calendar.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, logout := connect(cmd.Context())
		defer logout()

		deleted, err := client.DeleteCalendarEvent(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("failed to delete calendar event", err)
		}
		if !deleted {
			fmt.Printf("event %s is not on the calendar\n", args[0])
			return
		}
		fmt.Printf("event %s deleted\n", args[0])
	},
}
