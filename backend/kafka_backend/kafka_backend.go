package kafkabackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/skroutz/downloadq/metrics"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// Backend publishes events by producing to a Kafka topic. The topic is the
// event channel, unless the "topic" option overrides it.
type Backend struct {
	Log *slog.Logger

	producer *kafka.Producer
	topic    string
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	if b.Log == nil {
		b.Log = slog.Default()
	}

	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		if k == "topic" {
			topic, ok := v.(string)
			if !ok {
				return fmt.Errorf("topic must be a string")
			}
			b.topic = topic
			continue
		}
		err := kafkaCfg.SetKey(k, v)
		if err != nil {
			return err
		}
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.eventsWg = new(sync.WaitGroup)

	// start a go routine to monitor Kafka's Events channel
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.watchDeliveries()
	}()

	return nil
}

// Publish produces a Kafka message. Delivery is asynchronous, failures are
// logged once Kafka reports them.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	topic := channel
	if b.topic != "" {
		topic = b.topic
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()

	return err
}

// watchDeliveries iterates over the Events channel of Kafka and reports the
// outcome of every delivery.
func (b *Backend) watchDeliveries() {
	for e := range b.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				metrics.EventsPublished.WithLabelValues(b.ID(), "error").Inc()
				b.Log.Warn("kafka delivery failed", "error", ev.TopicPartition.Error)
				continue
			}
		case kafka.Error:
			b.Log.Warn("kafka error", "error", ev)
		}
	}
}
