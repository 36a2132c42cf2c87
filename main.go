package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"imagine-engine-server/modules/assistant"
	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/database"
	redisutil "imagine-engine-server/modules/common/redis"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/common/storage"
	"imagine-engine-server/modules/edit"
	"imagine-engine-server/modules/flowchart"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/payment"
	"imagine-engine-server/modules/provider"
	"imagine-engine-server/modules/quota"
	"imagine-engine-server/modules/realtime"
	"imagine-engine-server/modules/worker"
	"imagine-engine-server/modules/xiaohongshu"
)

const (
	upstreamTimeout = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

var startTime = time.Now()

// healthCheck - GET /health
func healthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "imagine-engine-server",
		"uptime":  time.Since(startTime).String(),
	})
}

// newProviderRegistry - 기본 + 내장 + YAML 카탈로그
func newProviderRegistry(cfg *config.Config) (*provider.Registry, error) {
	catalog := provider.Builtins(cfg)
	if cfg.ProvidersFile != "" {
		loaded, err := provider.LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		catalog = append(catalog, loaded...)
	}
	return provider.NewRegistry(provider.Default(cfg), catalog), nil
}

// corsOrigins - FRONTEND_ORIGIN (쉼표 구분, "*" 허용)
func corsOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	rdb, err := redisutil.Connect(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	store := redisutil.NewStore(rdb)

	db, err := database.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.FreeQuota)
	if err != nil {
		log.Fatalf("❌ Failed to create database client: %v", err)
	}
	gallery := storage.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket)

	registry, err := newProviderRegistry(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to load providers: %v", err)
	}
	for _, p := range registry.List() {
		log.Printf("🔌 Provider %s (%s, %d keys, model: %s)", p.Name, p.Kind, p.KeyCount, p.ImageModel)
	}

	images := imageapi.NewClient(upstreamTimeout)

	// 서비스
	generator := generate.NewService(db, images, gallery, cfg)
	editor := edit.NewService(generator)
	notes := xiaohongshu.NewService(images, generator)

	// Stripe 키가 없으면 결제 비활성화 (nil 인터페이스 그대로 전달)
	var checkout payment.CheckoutCreator
	if cfg.BillingEnabled() {
		checkout = payment.NewStripeCheckout(cfg.StripeSecretKey)
	}

	verifier := auth.NewSupabaseVerifier(db.Supabase())
	hub := realtime.NewHub()

	// 핸들러
	generateHandler := generate.NewHandler(generator, store, registry, cfg)
	editHandler := edit.NewHandler(editor, registry)
	notesHandler := xiaohongshu.NewHandler(notes, registry)
	assistantHandler := assistant.NewHandler(images, registry)
	flowchartHandler := flowchart.NewHandler()
	quotaHandler := quota.NewHandler(db, cfg.ImageCost)
	paymentHandler := payment.NewHandler(checkout, db, cfg)
	jobHandler := worker.NewHandler(store, generator, registry, cfg.BatchMaxImages)
	realtimeHandler := realtime.NewHandler(hub, verifier, cfg.FrontendOrigin)

	// 라우터 설정
	r := mux.NewRouter()

	// 공개 라우트
	r.HandleFunc("/", healthCheck).Methods("GET")
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/api/providers", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"providers": registry.List(),
		})
	}).Methods("GET")
	editHandler.RegisterPublicRoutes(r)
	paymentHandler.RegisterPublicRoutes(r)
	realtimeHandler.RegisterPublicRoutes(r)

	// 인증 + 요청 제한
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(verifier))
	api.Use(auth.RateLimit(store, cfg.RequestsPerMin))

	generateHandler.RegisterRoutes(api)
	editHandler.RegisterRoutes(api)
	notesHandler.RegisterRoutes(api)
	assistantHandler.RegisterRoutes(api)
	flowchartHandler.RegisterRoutes(api)
	quotaHandler.RegisterRoutes(api)
	paymentHandler.RegisterRoutes(api)
	jobHandler.RegisterRoutes(api)

	handler := cors.New(cors.Options{
		AllowedOrigins: corsOrigins(cfg.FrontendOrigin),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			provider.HeaderProvider,
			provider.HeaderBaseURL,
			provider.HeaderAPIKey,
			provider.HeaderModel,
		},
	}).Handler(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis Queue Worker 및 실시간 이벤트 전달 시작 (백그라운드)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.NewWorker(store, generator, editor, registry, cfg.WorkerJobs, cfg.BatchConcurrency).StartWorker(ctx)
	}()
	go func() {
		if err := hub.Run(ctx, store); err != nil {
			log.Printf("❌ [Realtime] Event forwarding failed: %v", err)
		}
	}()

	// SSE 라우트는 요청마다 write deadline을 해제함
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      upstreamTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("🚀 Imagine Engine Server starting on port %s", cfg.Port)
		log.Printf("📡 WebSocket endpoint: ws://localhost:%s/ws", cfg.Port)
		log.Printf("❤️  Health check: http://localhost:%s/health", cfg.Port)
		log.Printf("📊 Metrics: http://localhost:%s/metrics", cfg.Port)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown error: %v", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Println("⚠️  Worker did not stop before shutdown timeout")
	}
	log.Println("👋 Server stopped")
}
