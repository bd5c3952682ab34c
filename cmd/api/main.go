package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"circdesk.org/internal/circulation"
	"circdesk.org/internal/httpapi"
	"circdesk.org/internal/obs"
	"circdesk.org/internal/policy"
	pgstore "circdesk.org/internal/store/pg"
	"circdesk.org/internal/stream"
)

var version = "0.3.0"

func main() {
	// Local development carries settings in a .env file; absence is fine.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CIRCDESK_COMMIT"))

	// With a DSN the engine runs on Postgres; without one it runs in
	// memory, which is enough for demos and tests.
	var (
		db       *sql.DB
		engine   circulation.Service
		policies policy.Resolver
	)
	if dsn := os.Getenv("CIRCDESK_PG_DSN"); dsn != "" {
		// Open tunes the connection pool; nothing to adjust here.
		store, err := pgstore.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		engine = store
		policies = pgstore.NewPolicyResolver(db)
	} else {
		static := policy.NewStatic()
		engine = circulation.NewInMemory(static)
		policies = static
		log.Printf("CIRCDESK_PG_DSN not set, using in-memory engine")
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, engine, stream.New(), policies)

	addr := os.Getenv("CIRCDESK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting circdesk-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
