// Package publish fans sealed ledger blocks out to Kafka so downstream
// consumers can follow the audit trail without polling the store.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config holds the Kafka settings for block publishing.
type Config struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// messageWriter is the subset of *kafka.Writer used by BlockPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BlockEvent is the JSON value of every published message.
type BlockEvent struct {
	Namespace string        `json:"namespace"`
	Block     *ledger.Block `json:"block"`
}

// BlockPublisher writes one Kafka message per sealed block, keyed by
// namespace so each namespace stays ordered within its partition.
type BlockPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewBlockPublisher creates a publisher backed by a kafka.Writer.
func NewBlockPublisher(cfg Config, logger *zap.Logger) (*BlockPublisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newBlockPublisher(w, cfg.Timeout, logger), nil
}

func newBlockPublisher(w messageWriter, timeout time.Duration, logger *zap.Logger) *BlockPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BlockPublisher{writer: w, timeout: timeout, logger: logger}
}

// OnBlockSealed publishes b. It satisfies ledger.SealHook.
func (p *BlockPublisher) OnBlockSealed(ctx context.Context, namespace string, b *ledger.Block) error {
	value, err := json.Marshal(BlockEvent{Namespace: namespace, Block: b})
	if err != nil {
		return fmt.Errorf("marshal block event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(namespace),
		Value: value,
		Time:  b.Timestamp,
		Headers: []kafka.Header{
			{Key: "block-index", Value: []byte(strconv.Itoa(b.Index))},
			{Key: "block-hash", Value: []byte(b.Hash)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish block %d: %w", b.Index, err)
	}

	p.logger.Debug("block published",
		zap.String("namespace", namespace),
		zap.Int("index", b.Index),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *BlockPublisher) Close() error {
	return p.writer.Close()
}
