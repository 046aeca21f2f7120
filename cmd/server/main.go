package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/handlers"
)

func main() {
	var configPath = flag.String("config", "config.toml", "Path to config file")
	flag.Parse()

	service, err := app.NewService(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to load config: %v", err)
	}
	defer service.Close()

	sweep, err := service.StartExpirySweep(context.Background())
	if err != nil {
		logger.Error.Fatalf("Failed to start approval expiry sweep: %v", err)
	}
	defer sweep.Stop()

	mux := http.NewServeMux()
	handlers.Register(mux, service)

	logger.Info.Printf("Starting markgate server on %s", service.Config.Server.Port)
	logger.Debug.Println("Requiring headers:")
	for _, h := range service.Config.API.RequiredHeaders {
		logger.Debug.Printf("  %s: %s", h.Name, h.Value)
	}
	if err := http.ListenAndServe(service.Config.Server.Port, mux); err != nil {
		logger.Error.Fatalf("Markgate server failed: %v", err)
	}
}
