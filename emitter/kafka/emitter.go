package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/gosourcing/emitter"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

// Emit produces the event carried by the outbox record to a topic derived
// from its type tag, keyed by the aggregate identifier so that downstream
// consumers observe per-aggregate ordering. The delivery report is
// forwarded to the caller's channel once the broker acknowledges (or
// rejects) the message.
func (e *Emitter) Emit(o *outbox.Record, dc chan *emitter.DeliveryReport) error {
	var internal = make(chan kafka.Event)
	go func() {
		for ev := range internal {
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &emitter.DeliveryReport{
					Record: o,
					Error:  m.TopicPartition.Error,
					Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v\n",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
			// in this case the caller knows that this channel is used only
			// for one Produce call, so it can close it.
			close(internal)
		}
	}()

	topic := buildTopicName(o.Envelope.EventType)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.Envelope.AggregateId.String()),
		Value:          o.Envelope.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.Id.String())},
			{Key: "aggregateType", Value: []byte(o.Envelope.AggregateType)},
			{Key: "version", Value: []byte(strconv.FormatInt(o.Envelope.Version, 10))},
			{Key: "occurredAt", Value: []byte(strconv.FormatInt(o.Envelope.OccurredAt.UnixMilli(), 10))},
		},
	}, internal)

	return err
}

// buildTopicName builds a topic name from an event type (e.g. if eventType="RestaurantCreated"
// then topic name is "events-restaurant-created").
func buildTopicName(eventType string) string {
	return fmt.Sprintf("events-%s", strcase.ToKebab(eventType))
}
