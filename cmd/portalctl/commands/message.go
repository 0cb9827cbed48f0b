package commands

import (
	"fmt"

	"gymops-backend/lib/portal"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	messageChannel *string
	messageSubject *string
)

func init() {
	messageChannel = messageSendCmd.Flags().String("channel", "sms", "sms or email")
	messageSubject = messageSendCmd.Flags().String("subject", "", "Subject of an email.")
	messageCmd.AddCommand(messageSendCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(messagesCmd)
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Sends messages to members.",
}

var messageSendCmd = &cobra.Command{
	Use:   "send <member id> <text> [--channel sms|email] [--subject <subject>]",
	Short: "Sends a text or an email to a member.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		channel, err := model.ParseChannel(*messageChannel)
		if err != nil {
			serviceutil.Fatal("invalid --channel", err)
		}

		client, logout := connect(cmd.Context())
		defer logout()

		result, err := client.SendMessage(cmd.Context(), args[0], args[1], channel, portal.WithSubject(*messageSubject))
		if err != nil {
			serviceutil.Fatal("failed to send message", err)
		}
		if result.Marker != "" {
			fmt.Printf("%s to %s %s (%s)\n", result.Channel, result.MemberID, result.Status, result.Marker)
			return
		}
		fmt.Printf("%s to %s %s (found in conversation)\n", result.Channel, result.MemberID, result.Status)
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <member id>",
	Short: "Shows the conversation with a member.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, logout := connect(cmd.Context())
		defer logout()

		messages, err := client.ListMessages(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("failed to list messages", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Sent", "From", "To", "Channel", "Status", "Content"})
		for _, m := range messages {
			t.AppendRow(table.Row{m.ID, formatTime(m.Timestamp), m.From, m.To, m.Channel, m.Status, m.Content})
		}
		t.Render()
	},
}
