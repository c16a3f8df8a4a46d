package eventbus

import (
	"encoding/json"

	"github.com/IBM/sarama"
)

// KafkaSink is the durable event outbox: every bus publish is also
// handed here so a downstream consumer (risk, audit, analytics) can
// replay the trade tape and book deltas independently of any
// WebSocket client's connection lifetime. Grounded on the teacher's
// jobs/broadcaster/broadcaster.go, which drives the same
// sarama.SyncProducer with the same Producer.Return.Successes /
// RequiredAcks / Retry.Max configuration; this sink skips the WAL
// replay stage since publishes already originate from durable store
// writes rather than an exit queue.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan sinkMessage
}

type sinkMessage struct {
	subtopic string
	env      Envelope
}

// NewKafkaSink dials brokers and starts the background sender. topic
// is the single Kafka topic every bus subtopic is multiplexed onto,
// keyed by the bus topic string so consumers can filter or partition
// on it.
func NewKafkaSink(brokers []string, topic string, queueSize int) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	sink := &KafkaSink{
		producer: producer,
		topic:    topic,
		queue:    make(chan sinkMessage, queueSize),
	}
	go sink.run()
	return sink, nil
}

// Enqueue never blocks the publisher: a full outbox queue drops the
// durable copy rather than stall matching, since the WebSocket fanout
// already delivered the message to live subscribers.
func (k *KafkaSink) Enqueue(topic string, env Envelope) {
	select {
	case k.queue <- sinkMessage{subtopic: topic, env: env}:
	default:
		log.WithField("topic", topic).Warn("kafka outbox full, dropping durable copy")
	}
}

func (k *KafkaSink) run() {
	for msg := range k.queue {
		raw, err := json.Marshal(msg.env)
		if err != nil {
			log.WithError(err).Error("encode outbox message")
			continue
		}
		_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(msg.subtopic),
			Value: sarama.ByteEncoder(raw),
		})
		if err != nil {
			log.WithError(err).WithField("subtopic", msg.subtopic).Warn("kafka publish failed")
		}
	}
}

func (k *KafkaSink) Close() error {
	close(k.queue)
	return k.producer.Close()
}
