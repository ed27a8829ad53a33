package main

import (
	"context"
	"os"

	"github.com/madappgang/claudish-proxy/internal/netutil"
)

func main() {
	ctx, cancel := netutil.SignalContext(context.Background(), os.Interrupt)
	defer cancel()

	root := New()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
