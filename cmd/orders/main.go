// Job - обработка оплаченных заказов
// Kafka orders.paid -> подтверждение оплаты, фиксация заказа, этап баллов
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/glkeru/loyalty/ledger/internal/app"
	db "github.com/glkeru/loyalty/ledger/internal/db"
	gateway "github.com/glkeru/loyalty/ledger/internal/external/gateway"
	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	rabbit "github.com/glkeru/loyalty/ledger/internal/external/rabbitmq"
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

	shutdown, err := otel.InitTracer(ctx, "points-orders", logger)
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

	// читатель на каждого обработчика, партиции делятся внутри группы
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < a.Config.Workers; i++ {
		reader, err := kafka.GetNewReader(kafka.TopicOrdersPaid)
		if err != nil {
			panic(err)
		}
		g.Go(func() error {
			defer reader.CloseReader()
			return consume(gctx, logger, reader, workflow)
		})
	}
	if err = g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("orders job stopped", zap.Error(err))
		return
	}
	logger.Info("Job orders is stopped")
}

// Смещение фиксируется после обработки. При сбое инфраструктуры обработчик
// останавливается, сообщение будет доставлено повторно.
func consume(ctx context.Context, logger *zap.Logger, reader *kafka.KafkaOrder, workflow *services.Workflow) error {
	for {
		msg, err := reader.GetNewMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		order, err := kafka.DecodeOrder(msg.Value)
		if err == nil {
			_, err = workflow.Submit(ctx, order)
		}
		if model.IsInfrastructure(err) {
			return err
		}
		if err != nil {
			logger.Warn("order is not completed",
				zap.String("order", order.ID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		if err = reader.Commit(ctx, msg); err != nil {
			return err
		}
	}
}
