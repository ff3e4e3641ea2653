package points

import (
	"os"
	"strconv"
	"time"
)

// Настройки сервиса баллов. Строки подключения читаются в конструкторах хранилищ.
type Points struct {
	EarnExpiry      time.Duration // срок жизни начисленных баллов
	SweepWorkers    int           // параллельных счетов при сгорании
	SweepBatch      int
	SweepInterval   time.Duration
	NotifyWindow    time.Duration // за сколько предупреждать о сгорании
	ConfirmAttempts int           // попыток подтверждения платежа
	ConfirmTimeout  time.Duration // таймаут одного вызова шлюза
	RetryInitial    time.Duration
	PointsAttempts  int   // попыток этапа баллов
	MinPointsSpend  int64 // минимум баллов к списанию в заказе
	LockTimeout     time.Duration
	Workers         int // обработчиков в job-ах
}

func Default() Points {
	return Points{
		EarnExpiry:      365 * 24 * time.Hour,
		SweepWorkers:    3,
		SweepBatch:      500,
		SweepInterval:   24 * time.Hour,
		NotifyWindow:    7 * 24 * time.Hour,
		ConfirmAttempts: 3,
		ConfirmTimeout:  10 * time.Second,
		RetryInitial:    500 * time.Millisecond,
		PointsAttempts:  5,
		MinPointsSpend:  100,
		LockTimeout:     5 * time.Second,
		Workers:         5,
	}
}

func Load() Points {
	cfg := Default()
	cfg.EarnExpiry = time.Duration(envInt("POINTS_EARN_EXPIRY_DAYS", 365)) * 24 * time.Hour
	cfg.SweepWorkers = envInt("POINTS_SWEEP_WORKERS", cfg.SweepWorkers)
	cfg.SweepBatch = envInt("POINTS_SWEEP_BATCH", cfg.SweepBatch)
	cfg.SweepInterval = time.Duration(envInt("POINTS_SWEEP_INTERVAL_MIN", 24*60)) * time.Minute
	cfg.NotifyWindow = time.Duration(envInt("POINTS_NOTIFY_DAYS", 7)) * 24 * time.Hour
	cfg.ConfirmAttempts = envInt("POINTS_CONFIRM_ATTEMPTS", cfg.ConfirmAttempts)
	cfg.ConfirmTimeout = time.Duration(envInt("POINTS_CONFIRM_TIMEOUT_SEC", 10)) * time.Second
	cfg.RetryInitial = time.Duration(envInt("POINTS_RETRY_INITIAL_MS", 500)) * time.Millisecond
	cfg.PointsAttempts = envInt("POINTS_POINTS_ATTEMPTS", cfg.PointsAttempts)
	cfg.MinPointsSpend = int64(envInt("POINTS_MIN_SPEND", int(cfg.MinPointsSpend)))
	cfg.LockTimeout = time.Duration(envInt("POINTS_LOCK_TIMEOUT_MS", 5000)) * time.Millisecond
	cfg.Workers = envInt("POINTS_WORKERS", cfg.Workers)

	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 1
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 1
	}
	if cfg.PointsAttempts <= 0 {
		cfg.PointsAttempts = 1
	}
	if cfg.MinPointsSpend < 0 {
		cfg.MinPointsSpend = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return cfg
}

// значение по умолчанию, если переменная не задана или не число
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
