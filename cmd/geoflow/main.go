package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mapforge/geoflow/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to init geoflow: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Log.Info("Starting geoflow", "roles", a.Cfg.Roles)
	if err := a.Run(ctx); err != nil {
		a.Log.Error("Geoflow exited with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("Geoflow stopped")
}
