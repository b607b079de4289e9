package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-frs/internal/api"
	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/auth"
	"github.com/technosupport/ts-frs/internal/config"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/detect"
	"github.com/technosupport/ts-frs/internal/events"
	"github.com/technosupport/ts-frs/internal/faceindex"
	"github.com/technosupport/ts-frs/internal/middleware"
	"github.com/technosupport/ts-frs/internal/mjpeg"
	"github.com/technosupport/ts-frs/internal/recognition"
	"github.com/technosupport/ts-frs/internal/stream"
	"github.com/technosupport/ts-frs/internal/tokens"
	"github.com/technosupport/ts-frs/internal/transcode"
)

const serviceName = "TS-FRS-Control"

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = "dev-secret-do-not-use-in-prod"
		log.Printf("Warning: JWT_SECRET not set, using dev default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()

	models := data.NewModels(db)

	// 2. Audit (spool keeps writes alive through DB outages)
	spool, err := audit.NewSpool("", 0)
	if err != nil {
		log.Fatalf("Audit spool error: %v", err)
	}
	auditService := audit.NewService(db, spool)
	auditService.StartReplayer(ctx, 0)

	// 3. NATS is optional: detections still persist without it.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			log.Printf("Warning: NATS connect failed: %v. Detection publishing disabled.", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	// 4. Face index, warmed from active embeddings
	index := faceindex.New()
	if err := index.Initialize(ctx, models.PersonFaces); err != nil {
		log.Fatalf("Face index init error: %v", err)
	}

	// 5. Transcoder supervisor, shared by viewer streams and still capture
	supervisor := transcode.NewSupervisor(transcode.Config{
		FFmpegPath:   cfg.Transcoder.FFmpegPath,
		StartTimeout: cfg.Transcoder.StartTimeout.Std(),
		KillTimeout:  cfg.Transcoder.KillTimeout.Std(),
		FPS:          cfg.Transcoder.FPS,
		Width:        cfg.Transcoder.Width,
		Height:       cfg.Transcoder.Height,
		Quality:      cfg.Transcoder.Quality,
	})

	// 6. Recognition pipeline
	aiClient := detect.NewClient(cfg.Recognition.ServiceURL, cfg.Recognition.ServiceToken, 0)
	latest := recognition.NewLatestCache(rdb)
	publisher := recognition.NewPublisher(nc, cfg.NATS.Subject, 0)
	dedup := recognition.NewMatchDedup(0, cfg.Recognition.DedupTTL.Std())

	pool := recognition.NewImagePool(recognition.PoolConfig{
		Workers:   cfg.Recognition.ImagePoolSize,
		QueueSize: cfg.Recognition.ImageQueueMax,
	}, models.Detections, publisher, latest)
	pool.Start()

	worker := recognition.NewWorker(recognition.WorkerConfig{
		DetectThreshold: cfg.Recognition.DetectThreshold,
		StrongDistance:  float32(cfg.Recognition.MatchStrong),
		WeakDistance:    float32(cfg.Recognition.MatchWeak),
		EmbedWorkers:    cfg.Recognition.EmbedParallel,
	}, aiClient, aiClient, index, dedup, pool)

	recognitionService := recognition.NewService(recognition.ServiceConfig{
		Interval: cfg.Recognition.Period.Std(),
	}, supervisor, worker)

	// 7. Stream broker
	broker := stream.NewBroker(stream.SupervisorLauncher{Supervisor: supervisor}, stream.Config{
		StartTimeout:    cfg.Stream.StartTimeout.Std(),
		IdleTimeout:     cfg.Stream.IdleTimeout.Std(),
		GCInterval:      cfg.Stream.GCInterval.Std(),
		SubscriberQueue: cfg.Stream.SubscriberQueue,
		Framer: mjpeg.Config{
			MinFrameBytes: cfg.Framer.MinBytes,
			MaxFrameBytes: cfg.Framer.MaxBytes,
			BufferMax:     cfg.Framer.BufferMax,
		},
	})
	broker.Start()

	// 8. Event scheduler drives recognition sessions from time windows
	scheduler := events.NewScheduler(events.Config{
		Tick:     cfg.Scheduler.Tick.Std(),
		Location: cfg.Location(),
	}, models.Events, recognitionService)
	scheduler.Start()

	// 9. Auth chain
	tokenMgr := tokens.NewManager(cfg.Server.JWTSecret)
	blacklist := auth.NewRedisBlacklist(rdb)
	jwtMiddleware := middleware.NewJWTAuth(tokenMgr, blacklist)
	auditMiddleware := middleware.NewAuditMiddleware(auditService)

	// 10. Handlers
	camHandler := api.NewCameraHandler(models.Cameras)
	streamHandler := api.NewStreamHandler(broker, models.Cameras, auditService)
	wsHandler := api.NewWSHandler(tokenMgr, broker)
	recHandler := &api.RecognitionHandler{
		Service:    recognitionService,
		Cameras:    models.Cameras,
		Detections: models.Detections,
		Latest:     latest,
		Audit:      auditService,
	}
	eventHandler := &api.EventHandler{Events: models.Events, Scheduler: scheduler, Audit: auditService}
	faceHandler := &api.FaceHandler{Faces: models.PersonFaces, Index: index, Audit: auditService}
	auditHandler := &api.AuditHandler{Service: auditService}
	healthHandler := &api.HealthHandler{
		DB:          db,
		Redis:       rdb,
		Broker:      broker,
		Recognition: recognitionService,
		Index:       index,
	}

	// 11. Routes
	mux := http.NewServeMux()

	Protect := func(h http.Handler) http.Handler { return jwtMiddleware.Middleware(h) }
	operator := middleware.RequireRole("operator")
	admin := middleware.RequireRole("admin")

	// Public
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/ws/streams", wsHandler.ServeWS) // auth via ?token=

	// Cameras
	mux.Handle("POST /api/v1/cameras", Protect(operator(http.HandlerFunc(camHandler.Create))))
	mux.Handle("GET /api/v1/cameras", Protect(http.HandlerFunc(camHandler.List)))
	mux.Handle("GET /api/v1/cameras/{id}", Protect(http.HandlerFunc(camHandler.Get)))
	mux.Handle("POST /api/v1/cameras/{id}/enable", Protect(operator(http.HandlerFunc(camHandler.Enable))))
	mux.Handle("POST /api/v1/cameras/{id}/disable", Protect(operator(http.HandlerFunc(camHandler.Disable))))

	// Viewer streams
	mux.Handle("POST /api/v1/cameras/{id}/stream/start", Protect(operator(http.HandlerFunc(streamHandler.Start))))
	mux.Handle("POST /api/v1/streams/{id}/stop", Protect(operator(http.HandlerFunc(streamHandler.Stop))))
	mux.Handle("GET /api/v1/streams", Protect(http.HandlerFunc(streamHandler.List)))
	mux.Handle("GET /api/v1/streams/{id}", Protect(http.HandlerFunc(streamHandler.Get)))
	mux.Handle("GET /api/v1/streams/camera/{cameraId}/url", Protect(http.HandlerFunc(streamHandler.CameraURL)))
	mux.Handle("POST /api/v1/streams/cleanup", Protect(operator(http.HandlerFunc(streamHandler.Cleanup))))
	mux.Handle("GET /api/v1/streams/health", Protect(http.HandlerFunc(streamHandler.Health)))

	// Recognition
	mux.Handle("POST /api/v1/cameras/{id}/recognition/start", Protect(operator(http.HandlerFunc(recHandler.Start))))
	mux.Handle("POST /api/v1/cameras/{id}/recognition/stop", Protect(operator(http.HandlerFunc(recHandler.Stop))))
	mux.Handle("GET /api/v1/recognition/sessions", Protect(http.HandlerFunc(recHandler.Sessions)))
	mux.Handle("GET /api/v1/cameras/{id}/detections/latest", Protect(http.HandlerFunc(recHandler.LatestDetection)))
	mux.Handle("GET /api/v1/cameras/{id}/detections", Protect(http.HandlerFunc(recHandler.ListDetections)))
	mux.Handle("PUT /api/v1/detections/{id}/status", Protect(operator(http.HandlerFunc(recHandler.UpdateStatus))))

	// Scheduled events
	mux.Handle("GET /api/v1/events", Protect(http.HandlerFunc(eventHandler.List)))
	mux.Handle("GET /api/v1/events/{id}", Protect(http.HandlerFunc(eventHandler.Get)))
	mux.Handle("POST /api/v1/events/{id}/enable", Protect(operator(http.HandlerFunc(eventHandler.Enable))))
	mux.Handle("POST /api/v1/events/{id}/disable", Protect(operator(http.HandlerFunc(eventHandler.Disable))))
	mux.Handle("POST /api/v1/events/{id}/start", Protect(operator(http.HandlerFunc(eventHandler.ManualStart))))
	mux.Handle("POST /api/v1/events/{id}/stop", Protect(operator(http.HandlerFunc(eventHandler.ManualStop))))
	mux.Handle("GET /api/v1/scheduler/health", Protect(http.HandlerFunc(eventHandler.SchedulerHealth)))

	// Face registry
	mux.Handle("POST /api/v1/faces/{id}/activate", Protect(operator(http.HandlerFunc(faceHandler.Activate))))
	mux.Handle("POST /api/v1/faces/{id}/deactivate", Protect(operator(http.HandlerFunc(faceHandler.Deactivate))))
	mux.Handle("POST /api/v1/faces/index/reload", Protect(admin(http.HandlerFunc(faceHandler.Reload))))
	mux.Handle("GET /api/v1/faces/index/stats", Protect(http.HandlerFunc(faceHandler.IndexStats)))

	// Audit
	mux.Handle("GET /api/v1/audit/events", Protect(admin(http.HandlerFunc(auditHandler.GetEvents))))

	// CORS -> RequestLogger -> Audit -> Mux
	handler := middleware.CORS(cfg.Server.CORSOrigins)(
		middleware.RequestLogger(auditMiddleware.LogRequest(mux)))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	scheduler.Stop()
	recognitionService.Shutdown()
	broker.Shutdown()
	pool.Stop()

	log.Printf("Shutdown complete")
}
