// Package queue wires pipeline requests through RabbitMQ. One work queue
// carries all pipeline runs; failed deliveries bounce through a TTL retry
// queue and land in a dead-letter queue after too many attempts.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/pipeline"
)

const (
	// PipelineQueue carries every asynchronous pipeline run.
	PipelineQueue = "pipeline_queue"

	// MaxRetries is the delivery attempt cap before a message is
	// dead-lettered.
	MaxRetries = 10

	retryDelayMs = 10000
)

// PipelineRequestMsg is the wire format of one queued pipeline run.
type PipelineRequestMsg struct {
	TaskID  string           `json:"task_id"`
	Request pipeline.Request `json:"request"`
}

// Init connects to RabbitMQ using RABBITMQ_USER, RABBITMQ_PASSWORD,
// RABBITMQ_HOST and RABBITMQ_PORT.
func Init() *amqp091.Connection {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnv("RABBITMQ_HOST"),
		util.GetEnv("RABBITMQ_PORT"),
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares the pipeline queue together with its retry and
// dead-letter companions. The retry queue holds messages for a short TTL and
// dead-letters them back onto the work queue.
func SetupQueues(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		PipelineQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s: %w", PipelineQueue, err)
	}

	_, err = ch.QueueDeclare(
		PipelineQueue+"_dlq",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s_dlq: %w", PipelineQueue, err)
	}

	_, err = ch.QueueDeclare(
		PipelineQueue+"_retry",
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-message-ttl":             int32(retryDelayMs),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": PipelineQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s_retry: %w", PipelineQueue, err)
	}

	return nil
}

// PublishPipelineRequest enqueues one pipeline run.
func PublishPipelineRequest(ch *amqp091.Channel, msg PipelineRequestMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline message: %w", err)
	}
	return PublishFIFO(ch, PipelineQueue, data)
}

// PublishFIFO publishes a persistent message directly onto the named queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// HandleProcessingError routes a failed delivery: back through the retry
// queue with an incremented attempt counter, or into the DLQ once MaxRetries
// is reached.
func HandleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= MaxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
