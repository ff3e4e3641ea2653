// Служебный HTTP API, метрики и gRPC health
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/glkeru/loyalty/ledger/internal/api/http"
	"github.com/glkeru/loyalty/ledger/internal/app"
	db "github.com/glkeru/loyalty/ledger/internal/db"
	gateway "github.com/glkeru/loyalty/ledger/internal/external/gateway"
	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	rabbit "github.com/glkeru/loyalty/ledger/internal/external/rabbitmq"
	otel "github.com/glkeru/loyalty/ledger/internal/observability/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	// log
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// config
	port := os.Getenv("POINTS_HTTP_PORT")
	if port == "" {
		panic("env POINTS_HTTP_PORT is not set")
	}
	grpcPort := os.Getenv("POINTS_GRPC_PORT")
	if grpcPort == "" {
		panic("env POINTS_GRPC_PORT is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := otel.InitTracer(ctx, "points", logger)
	if err != nil {
		panic(err)
	}
	defer shutdown()

	a, err := app.New(ctx, logger)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	// external
	tiers, err := db.NewTiersDB()
	if err != nil {
		panic(err)
	}
	defer tiers.Close(context.Background())
	gw, err := gateway.NewGateway()
	if err != nil {
		panic(err)
	}
	events, err := kafka.NewEventWriter()
	if err != nil {
		panic(err)
	}
	defer events.Close()
	tasks, err := rabbit.NewRabbitQueue()
	if err != nil {
		panic(err)
	}
	defer tasks.Close()

	workflow := a.Workflow(tiers, gw, events, tasks)
	handler := api.NewHandler(a.Points, workflow, a.Expiry(events), a.Orders, logger)

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/", otelhttp.NewHandler(handler, "points-api"))
	srv := &http.Server{
		Handler:      router,
		Addr:         ":" + port,
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// health
	lis, err := net.Listen("tcp", "0.0.0.0:"+grpcPort)
	if err != nil {
		panic(err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	// shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	healthServer.Shutdown()
	timeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	err = srv.Shutdown(timeout)
	if err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
}
