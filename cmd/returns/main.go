// Job - обработка отмен заказов
// Kafka orders.canceled -> возврат остатков, сторно списанных баллов, отмена начисленных
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/glkeru/loyalty/ledger/internal/app"
	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	otel "github.com/glkeru/loyalty/ledger/internal/observability/otel"
	services "github.com/glkeru/loyalty/ledger/internal/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	shutdown, err := otel.InitTracer(ctx, "points-returns", logger)
	if err != nil {
		panic(err)
	}
	defer shutdown()

	a, err := app.New(ctx, logger)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	events, err := kafka.NewEventWriter()
	if err != nil {
		panic(err)
	}
	defer events.Close()

	// отмена не обращается к шлюзу и уровням
	workflow := a.Workflow(nil, nil, events, nil)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < a.Config.Workers; i++ {
		reader, err := kafka.GetNewReader(kafka.TopicOrdersCanceled)
		if err != nil {
			panic(err)
		}
		g.Go(func() error {
			defer reader.CloseReader()
			return consume(gctx, logger, reader, workflow)
		})
	}
	if err = g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("returns job stopped", zap.Error(err))
		return
	}
	logger.Info("Job returns is stopped")
}

func consume(ctx context.Context, logger *zap.Logger, reader *kafka.KafkaOrder, workflow *services.Workflow) error {
	for {
		msg, err := reader.GetNewMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		orderID, err := kafka.DecodeCancel(msg.Value)
		if err == nil {
			_, err = workflow.Cancel(ctx, orderID)
		}
		if model.IsInfrastructure(err) {
			return err
		}
		if err != nil {
			logger.Warn("cancel is not applied",
				zap.String("order", orderID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		if err = reader.Commit(ctx, msg); err != nil {
			return err
		}
	}
}
