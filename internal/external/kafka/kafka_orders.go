package points

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	TopicOrdersPaid     = "orders.paid"
	TopicOrdersCanceled = "orders.canceled"
	TopicPointsEvents   = "points.events"
)

func brokers() ([]string, error) {
	kafkaurl := os.Getenv("KAFKA_ORDER_URL")
	if kafkaurl == "" {
		return nil, fmt.Errorf("env KAFKA_ORDER_URL is not set")
	}
	kafkaport := os.Getenv("KAFKA_ORDER_PORT")
	if kafkaport == "" {
		return nil, fmt.Errorf("env KAFKA_ORDER_PORT is not set")
	}
	return []string{kafkaurl + ":" + kafkaport}, nil
}

// Чтение топика заказов. Смещение фиксируется только после обработки сообщения.
type KafkaOrder struct {
	reader *kafka.Reader
}

func GetNewReader(topic string) (reader *KafkaOrder, err error) {
	addrs, err := brokers()
	if err != nil {
		return nil, err
	}
	kafkaconfig := kafka.ReaderConfig{
		Brokers: addrs,
		Topic:   topic,
		GroupID: "orders_loyalty",
	}
	return &KafkaOrder{kafka.NewReader(kafkaconfig)}, nil
}

func (k *KafkaOrder) GetNewMessage(ctx context.Context) (kafka.Message, error) {
	return k.reader.FetchMessage(ctx)
}

func (k *KafkaOrder) Commit(ctx context.Context, msg kafka.Message) error {
	return k.reader.CommitMessages(ctx, msg)
}

func (k *KafkaOrder) CloseReader() {
	k.reader.Close()
}

// Заказ от сервиса корзины
type OrderMessage struct {
	OrderID     string            `json:"orderId"`
	UserID      string            `json:"userId"`
	GatewayRef  string            `json:"gatewayRef"`
	Amount      decimal.Decimal   `json:"amount"`
	PointsSpent int64             `json:"pointsSpent"`
	Items       []model.OrderItem `json:"items"`
}

// Отмена заказа
type CancelMessage struct {
	OrderID string `json:"orderId"`
}

func DecodeOrder(data []byte) (model.Order, error) {
	msg := OrderMessage{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Order{}, fmt.Errorf("order message: %v: %w", err, model.ErrInvalidOrder)
	}
	if msg.OrderID == "" || msg.UserID == "" {
		return model.Order{}, fmt.Errorf("order message without id or user: %w", model.ErrInvalidOrder)
	}
	return model.Order{
		ID:          msg.OrderID,
		User:        msg.UserID,
		GatewayRef:  msg.GatewayRef,
		Amount:      msg.Amount,
		PointsSpent: msg.PointsSpent,
		Items:       msg.Items,
	}, nil
}

func DecodeCancel(data []byte) (string, error) {
	msg := CancelMessage{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("cancel message: %v: %w", err, model.ErrInvalidOrder)
	}
	if msg.OrderID == "" {
		return "", fmt.Errorf("cancel message without order id: %w", model.ErrInvalidOrder)
	}
	return msg.OrderID, nil
}
