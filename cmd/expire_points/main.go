// Job - сгорание просроченных партий и уведомления о скором сгорании
// Работает до остановки, период POINTS_SWEEP_INTERVAL_MIN
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/glkeru/loyalty/ledger/internal/app"
	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	otel "github.com/glkeru/loyalty/ledger/internal/observability/otel"
	"go.uber.org/zap"
)

func main() {
	// log
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := otel.InitTracer(ctx, "points-expiry", logger)
	if err != nil {
		panic(err)
	}
	defer shutdown()

	a, err := app.New(ctx, logger)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	// уведомления не обязательны для сгорания
	var scheduler = a.Expiry(nil)
	events, err := kafka.NewEventWriter()
	if err != nil {
		logger.Error("expiring notices are disabled", zap.Error(err))
	} else {
		defer events.Close()
		scheduler = a.Expiry(events)
	}

	if err = scheduler.Run(ctx, a.Config.SweepInterval); err != nil {
		logger.Error(err.Error())
		return
	}
	logger.Info("Job expire points is stopped")
}
