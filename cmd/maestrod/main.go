// Command maestrod runs the workflow engine service: the REST API, the
// durable scheduler and, optionally, an embedded action worker.
//
// # Configuration
//
// Command line flags:
//
//	-http-addr       HTTP listen address (default ":8989")
//	-store           Persistence backend: "inmem" or "mongo" (default "inmem")
//	-mongo-uri       MongoDB connection URI (store=mongo)
//	-mongo-db        MongoDB database name (default "maestro")
//	-dispatch        Action dispatch: "local" or "pulse" (default "local")
//	-redis-addr      Redis address backing the dispatch stream (dispatch=pulse)
//	-redis-password  Redis password (optional)
//	-worker          Run an embedded action worker (dispatch=pulse)
//	-poll-interval   Scheduler poll cadence (default 1s)
//	-lease           Scheduled call claim lease (default 30s)
//	-debug           Enable debug logs and request/response logging
//
// # Example
//
// Single node with in-memory state:
//
//	go run ./cmd/maestrod
//
// Durable multi-node deployment:
//
//	maestrod -store mongo -mongo-uri mongodb://mongo:27017 \
//	         -dispatch pulse -redis-addr redis:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/maestroflow/maestro/action"
	"github.com/maestroflow/maestro/api"
	pulsedispatch "github.com/maestroflow/maestro/dispatch/pulse"
	"github.com/maestroflow/maestro/engine"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/scheduler"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/store/inmem"
	storemongo "github.com/maestroflow/maestro/store/mongo"
	"github.com/maestroflow/maestro/worker"
	"github.com/maestroflow/maestro/workflow/parser"
)

func main() {
	var (
		httpAddrF     = flag.String("http-addr", ":8989", "HTTP listen address")
		storeF        = flag.String("store", "inmem", "Persistence backend (inmem, mongo)")
		mongoURIF     = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDBF      = flag.String("mongo-db", "maestro", "MongoDB database name")
		dispatchF     = flag.String("dispatch", "local", "Action dispatch (local, pulse)")
		redisAddrF    = flag.String("redis-addr", "localhost:6379", "Redis address backing the dispatch stream")
		redisPassF    = flag.String("redis-password", "", "Redis password")
		workerF       = flag.Bool("worker", false, "Run an embedded action worker (dispatch=pulse)")
		pollIntervalF = flag.Duration("poll-interval", time.Second, "Scheduler poll cadence")
		leaseF        = flag.Duration("lease", 30*time.Second, "Scheduled call claim lease")
		dbgF          = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, config{
		httpAddr:      *httpAddrF,
		store:         *storeF,
		mongoURI:      *mongoURIF,
		mongoDB:       *mongoDBF,
		dispatch:      *dispatchF,
		redisAddr:     *redisAddrF,
		redisPassword: *redisPassF,
		worker:        *workerF,
		pollInterval:  *pollIntervalF,
		lease:         *leaseF,
		debug:         *dbgF,
	}); err != nil {
		log.Fatalf(ctx, err, "exiting")
	}
}

type config struct {
	httpAddr      string
	store         string
	mongoURI      string
	mongoDB       string
	dispatch      string
	redisAddr     string
	redisPassword string
	worker        bool
	pollInterval  time.Duration
	lease         time.Duration
	debug         bool
}

func run(ctx context.Context, cfg config) error {
	var pingers []health.Pinger

	// Persistence backend.
	var st store.Store
	switch cfg.store {
	case "inmem":
		st = inmem.New()
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.mongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		mst, err := storemongo.New(ctx, storemongo.Options{Client: client, Database: cfg.mongoDB})
		if err != nil {
			return fmt.Errorf("create mongo store: %w", err)
		}
		st = mst
		pingers = append(pingers, mst)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.store)
	}

	// Scheduler, catalog, actions.
	sched, err := scheduler.New(scheduler.Options{
		Store:        st,
		PollInterval: cfg.pollInterval,
		Lease:        cfg.lease,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	catalog := parser.NewCatalog()
	registry := action.NewRegistry()
	actions := action.NewService(st, registry)
	if err := actions.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed builtin actions: %w", err)
	}

	// Action dispatch.
	var (
		dispatcher engine.Dispatcher
		localDisp  *engine.LocalDispatcher
		rdb        *redis.Client
	)
	switch cfg.dispatch {
	case "local":
		localDisp = engine.NewLocalDispatcher(registry)
		dispatcher = localDisp
	case "pulse":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.redisAddr, Password: cfg.redisPassword})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pingers = append(pingers, redisPinger{rdb})
		pd, err := pulsedispatch.NewDispatcher(pulsedispatch.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse dispatcher: %w", err)
		}
		dispatcher = pd
	default:
		return fmt.Errorf("unknown dispatch mode %q", cfg.dispatch)
	}

	// Engine.
	eng, err := engine.New(engine.Options{
		Store:      st,
		Catalog:    catalog,
		Scheduler:  sched,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if localDisp != nil {
		localDisp.SetClient(eng)
	}
	rpc.RegisterSchedulerTargets(sched, eng)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(runCtx)
	defer sched.Stop()

	// Embedded action worker.
	if cfg.worker {
		if rdb == nil {
			return fmt.Errorf("embedded worker requires -dispatch pulse")
		}
		w, err := worker.New(runCtx, worker.Options{
			Redis:    rdb,
			Registry: registry,
			Client:   eng,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		w.Start(runCtx)
		defer w.Stop(context.Background())
	}

	// HTTP surface.
	apiSrv, err := api.New(api.Options{Engine: eng, Store: st, Catalog: catalog, Actions: actions})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/v2/", apiSrv.Handler())
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle("GET /healthz", check)
	mux.Handle("GET /livez", check)
	if cfg.debug {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}
	var handler http.Handler = mux
	if cfg.debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: cfg.httpAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "HTTP server listening"}, log.KV{K: "addr", V: cfg.httpAddr})
		errc <- srv.ListenAndServe()
	}()

	reason := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: reason.Error()})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown HTTP server")
	}
	return nil
}

// redisPinger adapts a Redis connection to the clue health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "engine-redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
