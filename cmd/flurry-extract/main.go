package main

import (
	"context"

	"flurry-extract/cmd/flurry-extract/commands"
	"flurry-extract/internal/components/osutil"
)

func main() {
	ctx, stop := osutil.SignalContext(context.Background())
	defer stop()
	commands.ExecuteContext(ctx)
}
