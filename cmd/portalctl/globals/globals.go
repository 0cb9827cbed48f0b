package globals

import (
	"context"

	"gymops-backend/lib/portal"
	"gymops-backend/lib/restyutil"
)

const key = "portalctl.ctx"

type Config struct {
	Portal portal.Config `json:"portal"`
	// Sessions is how many portal sessions batch commands log in.
	Sessions int `json:"sessions"`
	// Database is where batch commands keep synced agreements.
	Database string `json:"database"`
}

type Value struct {
	Config      Config
	Credentials portal.Credentials
	// Transcripts is nil unless --dump-http was given.
	Transcripts restyutil.InstrumentOutput
}

func Set(ctx context.Context, value *Value) context.Context {
	return context.WithValue(ctx, key, value)
}

func Get(ctx context.Context) *Value {
	return ctx.Value(key).(*Value)
}
