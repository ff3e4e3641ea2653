// Job - повторы этапа баллов по заказам
// RabbitMQ points_stage -> списание и начисление баллов, подтверждение после обработки
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/glkeru/loyalty/ledger/internal/app"
	db "github.com/glkeru/loyalty/ledger/internal/db"
	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	rabbit "github.com/glkeru/loyalty/ledger/internal/external/rabbitmq"
	model "github.com/glkeru/loyalty/ledger/internal/models"
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

	shutdown, err := otel.InitTracer(ctx, "points-stage", logger)
	if err != nil {
		panic(err)
	}
	defer shutdown()

	a, err := app.New(ctx, logger)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	tiers, err := db.NewTiersDB()
	if err != nil {
		panic(err)
	}
	defer tiers.Close(context.Background())
	events, err := kafka.NewEventWriter()
	if err != nil {
		panic(err)
	}
	defer events.Close()
	queue, err := rabbit.NewRabbitQueue()
	if err != nil {
		panic(err)
	}
	defer queue.Close()

	workflow := a.Workflow(tiers, nil, events, queue)

	deliveries, err := queue.Consume(a.Config.Workers)
	if err != nil {
		panic(err)
	}

	wg := &sync.WaitGroup{}
	semaphore := make(chan struct{}, a.Config.Workers)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				logger.Error("points_stage channel is closed")
				break loop
			}
			semaphore <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()

				task, err := rabbit.DecodeTask(d.Body)
				if err != nil {
					logger.Error("points task is not correct", zap.Error(err))
					d.Ack(false)
					return
				}
				err = workflow.HandlePointsTask(ctx, task)
				if model.IsInfrastructure(err) {
					logger.Error("points task",
						zap.String("order", task.OrderID),
						zap.Int("attempt", task.Attempt),
						zap.Error(err))
					d.Nack(false, true)
					return
				}
				d.Ack(false)
			}()
		}
	}
	wg.Wait()
	logger.Info("Job points stage is stopped")
}
