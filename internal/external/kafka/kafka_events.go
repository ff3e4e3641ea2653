package points

import (
	"context"
	"encoding/json"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/segmentio/kafka-go"
)

// События для уведомлений и ручного разбора
type KafkaEvents struct {
	writer *kafka.Writer
}

var _ interf.EventPublisher = (*KafkaEvents)(nil)

func NewEventWriter() (*KafkaEvents, error) {
	addrs, err := brokers()
	if err != nil {
		return nil, err
	}
	return &KafkaEvents{&kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  TopicPointsEvents,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Ключ - пользователь, события одного пользователя идут по порядку
func (k *KafkaEvents) Publish(ctx context.Context, event model.Event) error {
	msg, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func EncodeEvent(event model.Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	key := event.User
	if key == "" {
		key = event.OrderID
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(event.Type)}},
	}, nil
}

func (k *KafkaEvents) Close() error {
	return k.writer.Close()
}
