// Command rlmd is the retrieval-gateway daemon: it loads configuration,
// wires a router over the configured LM backends, opens the router's
// socket-framed server so the broker poller (and any sandboxed REPL) can
// reach it, and serves the gateway's 12-tool surface over stdio and/or HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"rlm/internal/broker"
	"rlm/internal/config"
	"rlm/internal/gateway"
	"rlm/internal/llm"
	"rlm/internal/observability"
	"rlm/internal/router"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	addr := flag.String("addr", envOrDefault("RLM_ADDR", ":8711"), "HTTP listen address for the gateway")
	stdio := flag.Bool("stdio", os.Getenv("RLM_STDIO") == "1", "serve the gateway's JSON-RPC surface over stdio instead of HTTP")
	resourceURL := flag.String("resource-url", envOrDefault("RLM_RESOURCE_URL", "http://localhost:8711"), "canonical resource URL advertised by the OAuth protected-resource metadata endpoint")
	routerAddr := flag.String("router-addr", envOrDefault("RLM_ROUTER_ADDR", "127.0.0.1:8712"), "host-loopback TCP address the sub-call router's socket-framed server listens on")
	brokerURL := flag.String("broker-url", envOrDefault("RLM_BROKER_URL", ""), "isolated-env broker base URL to poll; when set, a poller bridges its queue to the router socket")
	flag.Parse()

	if len(cfg.AllowedRoots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve working directory as a fallback allowed root")
		}
		cfg.AllowedRoots = []string{wd}
	}

	rt := buildRouter(cfg)

	gw, err := gateway.New(cfg.AllowedRoots, rt)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct gateway")
	}
	gw.MaxIterations = cfg.MaxIterations
	gw.EngineModel = cfg.DefaultBackend
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The gateway's own REPL talks to rt in-process, but §4.E/§6 also require
	// a reachable socket server: the broker's host poller (and any sandboxed
	// REPL that can't share this process) dial it directly.
	routerLn, err := net.Listen("tcp", *routerAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *routerAddr).Msg("failed to listen for router socket connections")
	}
	routerSrv := router.NewServer(rt, time.Duration(cfg.ExecTimeoutSeconds)*time.Second)
	go func() {
		log.Info().Str("addr", *routerAddr).Msg("router socket server listening")
		if err := routerSrv.Serve(ctx, routerLn); err != nil {
			log.Error().Err(err).Msg("router socket server exited with error")
		}
	}()

	if *brokerURL != "" {
		dialer := &broker.TimeoutDialer{
			DialFunc: func(dialCtx context.Context) (broker.DeadlineSetter, error) {
				var d net.Dialer
				return d.DialContext(dialCtx, "tcp", *routerAddr)
			},
		}
		poller := broker.NewPoller(*brokerURL, dialer, nil)
		go func() {
			log.Info().Str("broker_url", *brokerURL).Msg("broker poller started")
			poller.Run(ctx)
		}()
	}

	if len(cfg.MCP.Servers) > 0 {
		if err := gw.ConnectExternalTools(ctx, cfg.MCP); err != nil {
			log.Warn().Err(err).Msg("some external MCP servers failed to connect, continuing without them")
		}
	}

	auth, err := gateway.NewAuthenticator(ctx, cfg.OIDCIssuer, "", cfg.BearerToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct authenticator")
	}
	log.Info().Str("mode", auth.Mode()).Msg("gateway auth configured")

	srv := gateway.NewServer(gw, auth)

	if *stdio {
		if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("stdio transport exited with error")
		}
		return
	}

	authServerURL := cfg.OIDCIssuer
	handler := srv.HTTPHandler(*resourceURL, authServerURL)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Strs("roots", cfg.AllowedRoots).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server exited with error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildRouter registers one backend per cfg.Backends entry. Every provider
// SDK in the example pack (OpenAI, Anthropic, Gemini, etc.) was dropped per
// DESIGN.md, so any configured backend family other than "local" is
// registered as a local echo backend under its configured name, keeping
// startup resilient to an operator's existing RLM_BACKENDS list rather than
// failing closed.
func buildRouter(cfg config.Config) *router.Router {
	reg := router.NewRegistry()
	if len(cfg.Backends) == 0 {
		reg.Register(llm.NewLocalBackend("local"))
		return router.New(reg, "local", router.Budgets{
			MaxRootTokens: cfg.MaxRootTokens,
			MaxSubTokens:  cfg.MaxSubTokens,
		})
	}
	for _, b := range cfg.Backends {
		reg.Register(llm.NewLocalBackend(b.Name))
	}
	return router.New(reg, cfg.DefaultBackend, router.Budgets{
		MaxRootTokens: cfg.MaxRootTokens,
		MaxSubTokens:  cfg.MaxSubTokens,
	})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
