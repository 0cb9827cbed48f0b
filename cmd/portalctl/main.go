package main

import (
	"context"
	"log/slog"

	"gymops-backend/cmd/portalctl/commands"
	"gymops-backend/lib/osutil"
	"gymops-backend/lib/telemetry"
)

func main() {
	ctx, stop := osutil.SignalContext()
	defer stop()

	t, err := telemetry.SetupFromEnv(ctx, "portalctl")
	if err != nil {
		slog.Warn("failed to setup telemetry", "err", err)
	}
	defer t.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
