package invalidation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaPublisher queues events and hands them to an async producer. A full
// queue drops the event; the Redis generation counter already carries the
// bump, the event only speeds up other instances' local tiers.
type KafkaPublisher struct {
	topic   string
	origin  string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	once    sync.Once
}

func NewKafkaPublisher(brokers []string, topic, origin string, queueSize int, log *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalidation: create async producer: %w", err)
	}
	return newKafkaPublisher(prod, topic, origin, queueSize, log), nil
}

func newKafkaPublisher(prod sarama.AsyncProducer, topic, origin string, queueSize int, log *slog.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &KafkaPublisher{
		topic:   topic,
		origin:  origin,
		log:     log,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("invalidation: marshal event", "err", err)
				continue
			}
			// keyed by tileset so one tileset's bumps stay ordered
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.TilesetID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("invalidation: producer error", "err", err)
			}
		}
	}()
	return p
}

func (p *KafkaPublisher) Publish(ev Event) {
	if ev.Origin == "" {
		ev.Origin = p.origin
	}
	if ev.Version == 0 {
		ev.Version = SchemaVersion
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn("invalidation: queue full, event dropped", "tileset", ev.TilesetID, "generation", ev.Generation)
	}
}

func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("invalidation: close producer: %w", cerr)
		}
	})
	return err
}
