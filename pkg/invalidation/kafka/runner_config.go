package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/caarlos0/env/v11"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type InvalidationConfig struct {
	Enabled bool   `env:"INVALIDATION_ENABLED" envDefault:"false"`
	Driver  Driver `env:"INVALIDATION_DRIVER" envDefault:"none"`

	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"tileset-invalidation"`
	GroupID string   `env:"KAFKA_GROUP_ID" envDefault:""`

	SessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"30s"`
	Heartbeat        time.Duration `env:"KAFKA_HEARTBEAT" envDefault:"3s"`
	RebalanceTimeout time.Duration `env:"KAFKA_REBALANCE_TIMEOUT" envDefault:"30s"`
	InitialOldest    bool          `env:"KAFKA_INITIAL_OLDEST" envDefault:"false"`

	// PublishQueue bounds events waiting for the producer.
	PublishQueue int `env:"INVALIDATION_PUBLISH_QUEUE" envDefault:"1024"`
}

// FromEnv reads the invalidation settings. Every instance needs its own
// consumer group so each one sees every bump; GroupID defaults to
// "tileserver-<instance>".
func FromEnv(instance string) (InvalidationConfig, error) {
	cfg, err := env.ParseAs[InvalidationConfig]()
	if err != nil {
		return InvalidationConfig{}, fmt.Errorf("invalidation config: %w", err)
	}
	switch cfg.Driver {
	case DriverNone, DriverKafka:
	default:
		return InvalidationConfig{}, fmt.Errorf("invalidation config: unknown driver %q", cfg.Driver)
	}
	brokers := cfg.Brokers[:0]
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Brokers = brokers
	if cfg.GroupID == "" {
		cfg.GroupID = "tileserver-" + instance
	}
	return cfg, nil
}

// Active reports whether events should be published and consumed.
func (c InvalidationConfig) Active() bool {
	return c.Enabled && c.Driver == DriverKafka
}

func (c InvalidationConfig) consumerConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = c.GroupID
	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	// a fresh group only needs bumps made after it joined; the catalog
	// generations cover everything older
	if c.InitialOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true
	return sc
}
