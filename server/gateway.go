package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/n9te9/go-graphql-federation-gateway/gateway"
	"github.com/n9te9/go-graphql-federation-gateway/state"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const gatewayVersion = "v0.1.0"

func Run() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := loadGatewaySetting()
	if err != nil {
		log.Fatalf("failed to load gateway settings: %v", err)
	}

	gw, err := gateway.NewGateway(*settings)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/schema/registration", gw.Registry())
	mux.Handle("/", gw)

	gwHandler := http.Handler(mux)
	if settings.Opentelemetry.TracingSetting.Enable {
		gwHandler = otelhttp.NewHandler(gwHandler, settings.ServiceName)
	}

	timeoutDuration, err := time.ParseDuration(settings.TimeoutDuration)
	if err != nil {
		log.Fatalf("failed to parse timeout duration: %v", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: gwHandler,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill, syscall.SIGTERM)
	defer cancel()

	shutdown, err := gateway.InitTracer(ctx, settings.ServiceName, gatewayVersion)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}

	// The state machine's event loop and the schema reload poller outlive
	// the signal context so the Shutdown event below can still be consumed
	// for draining; loopCtx is cancelled once the listener is down.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := gw.RunBackground(loopCtx); err != nil && err != context.Canceled {
			log.Printf("gateway background loop stopped: %v", err)
		}
	}()

	// Liveness runs on its own port so health probes stay answerable while
	// the main listener is saturated or draining.
	var healthSrv *http.Server
	if settings.HealthPort > 0 {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
		})
		healthSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", settings.HealthPort),
			Handler: healthMux,
		}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("health server failed: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("starting gateway server on port %d", settings.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()

	// Ask the state machine to drain in-flight requests before the
	// listener is closed, bounded by the same shutdown budget.
	log.Println("shutting down gateway server...")
	drained := make(chan error, 1)
	if err := gw.State().Submit(context.Background(), state.Event{Kind: state.Shutdown, Done: drained}); err == nil {
		select {
		case <-drained:
		case <-timeoutCtx.Done():
			log.Println("drain budget elapsed, force-closing")
		}
	}

	if err := srv.Shutdown(timeoutCtx); err != nil {
		log.Fatalf("failed to shutdown gateway server: %v", err)
	}
	if healthSrv != nil {
		healthSrv.Shutdown(timeoutCtx) //nolint:errcheck
	}

	if err := shutdown(timeoutCtx); err != nil {
		log.Fatalf("failed to shutdown tracer: %v", err)
	}

	log.Println("gateway server stopped")
}

func loadGatewaySetting() (*gateway.GatewayOption, error) {
	f, err := os.Open("gateway.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway settings file: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway settings file: %w", err)
	}

	var settings gateway.GatewayOption
	if err := yaml.Unmarshal(b, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway settings: %w", err)
	}

	return &settings, nil
}
