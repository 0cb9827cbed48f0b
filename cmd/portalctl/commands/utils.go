package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"gymops-backend/cmd/portalctl/globals"
	"gymops-backend/lib/portal"
	"gymops-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func clientOptions(g *globals.Value) []portal.Option {
	var opts []portal.Option
	if g.Transcripts != nil {
		opts = append(opts, portal.WithTranscripts(g.Transcripts))
	}
	return opts
}

// connect logs in or exits. The returned func logs out again.
func connect(ctx context.Context) (*portal.Client, func()) {
	g := globals.Get(ctx)
	if err := g.Credentials.Validate(); err != nil {
		serviceutil.Fatal("cannot login", err)
	}

	client, err := portal.New(ctx, g.Config.Portal, g.Credentials, clientOptions(g)...)
	if err != nil {
		serviceutil.Fatal("failed to login to the portal", err)
	}
	return client, func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			slog.Warn("failed to logout", "err", err)
		}
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
