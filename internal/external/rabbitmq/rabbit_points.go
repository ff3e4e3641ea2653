package points

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Очередь этапа баллов: доставка не менее одного раза, подтверждение после обработки
type RabbitQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	chout *amqp.Channel
}

const queue = "points_stage"

var _ interf.TaskQueue = (*RabbitQueue)(nil)

func NewRabbitQueue() (rabbit *RabbitQueue, err error) {
	// config
	rabbiturl := os.Getenv("RABBIT_URL")
	if rabbiturl == "" {
		return nil, fmt.Errorf("env RABBIT_URL is not set")
	}
	rabbitport := os.Getenv("RABBIT_PORT")
	if rabbitport == "" {
		return nil, fmt.Errorf("env RABBIT_PORT is not set")
	}
	rabbituser := os.Getenv("RABBIT_USER")
	if rabbituser == "" {
		return nil, fmt.Errorf("env RABBIT_USER is not set")
	}
	rabbitpass := os.Getenv("RABBIT_PASSWORD")
	if rabbitpass == "" {
		return nil, fmt.Errorf("env RABBIT_PASSWORD is not set")
	}

	rabbitconn := "amqp://" + rabbituser + ":" + rabbitpass + "@" + rabbiturl + ":" + rabbitport + "/points"
	conn, err := amqp.Dial(rabbitconn)
	if err != nil {
		return nil, err
	}
	// канал для входящих
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// канал для исходящих
	chout, err := conn.Channel()
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitQueue{conn, ch, chout}, nil
}

func (r *RabbitQueue) Close() {
	r.chout.Close()
	r.ch.Close()
	r.conn.Close()
}

// Задача в очередь повторов
func (r *RabbitQueue) Enqueue(ctx context.Context, task model.PointsTask) error {
	msg, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.chout.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg,
		})
}

// Доставки очереди, prefetch ограничивает число необработанных сообщений
func (r *RabbitQueue) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	if err := r.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return r.ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
}

func DecodeTask(body []byte) (model.PointsTask, error) {
	task := model.PointsTask{}
	if err := json.Unmarshal(body, &task); err != nil {
		return task, err
	}
	if task.OrderID == "" {
		return task, fmt.Errorf("points task without order id: %w", model.ErrInvalidOrder)
	}
	return task, nil
}
