package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"oes/internal/config"
	"oes/internal/eventbus"
	"oes/internal/ledger"
	"oes/internal/matching"
	"oes/internal/orderbook"
	"oes/internal/sequence"
	"oes/internal/service"
	"oes/internal/store"
	"oes/internal/transport/ws"
)

func main() {
	// ---------------- Config ----------------

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	// ---------------- Store ----------------

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	if !cfg.NoClearData {
		if err := st.Clear(); err != nil {
			log.Fatalf("store clear failed: %v", err)
		}
	}

	// ---------------- Sequencer ----------------

	seqGen := sequence.New(0)

	// ---------------- Domain ----------------

	book := orderbook.New(st)
	ldg := ledger.New(st)

	// ---------------- Event bus ----------------

	var sink eventbus.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := eventbus.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, 4096)
		if err != nil {
			log.Fatalf("kafka sink init failed: %v", err)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	}
	bus := eventbus.New(sink)

	// ---------------- Matching ----------------

	engine := matching.New(book, ldg, bus, seqGen)

	// ---------------- Service ----------------

	// OrderService is the core's write entry point (place/cancel/amend,
	// accounts, deposits). §6's POST /orders-style HTTP surface that
	// would call it is an explicit Non-goal, so oesd wires it to
	// nothing here — internal/service is exercised directly by tests
	// and is the integration seam for whatever external collaborator
	// ends up calling it.
	svc := service.New(book, ldg, engine, bus)
	_ = svc

	// ---------------- Background jobs ----------------

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	symbols := func() []string { return cfg.Symbols }

	go runMatchTicks(ctx, engine, symbols, cfg.MatchTick())
	go eventbus.NewSnapshotBroadcaster(bus, book, symbols, cfg.SnapshotInterval()).Run(ctx)
	go eventbus.NewLatencyHeartbeat(bus, cfg.LatencyInterval()).Run(ctx)

	// ---------------- WebSocket edge ----------------

	handler := ws.NewHandler(bus)
	mux := http.NewServeMux()
	mux.Handle("/ws", handler)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("oesd listening on %s for symbols %v\n", cfg.ListenAddr, cfg.Symbols)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server exited: %v", err)
	}
}

const shutdownGrace = 5 * time.Second

// runMatchTicks is the §4.D periodic tick: it recovers any crossing
// opportunity that a dropped insert-triggered wake-up would otherwise
// have missed.
func runMatchTicks(ctx context.Context, engine *matching.Engine, symbols func() []string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols() {
				if _, err := engine.TickSymbol(symbol); err != nil {
					log.Printf("match tick for %s failed: %v", symbol, err)
				}
			}
		}
	}
}
