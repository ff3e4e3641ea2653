// Job - сверка кэшированных балансов с остатками партий
// POINTS_RECONCILE_FIX=true исправляет расхождения
package main

import (
	"context"
	"os"

	"github.com/glkeru/loyalty/ledger/internal/app"
	"go.uber.org/zap"
)

func main() {
	// log
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.New(ctx, logger)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	fix := os.Getenv("POINTS_RECONCILE_FIX") == "true"
	drifts, err := a.Points.ReconcileAll(ctx, fix)
	if err != nil {
		logger.Error(err.Error())
		return
	}
	logger.Info("Job reconcile is finished",
		zap.Int("drifts", len(drifts)),
		zap.Bool("fixed", fix))
}
