package kafka_destination

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"

	"github.com/flant/negentropy/provisioning/model"
)

// MessageWriter is the part of *kafka.Writer used by the destination
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ArchiveDestination publishes archive records keyed by "<system>/<uid>",
// so records of one system entity stay ordered within a partition
type ArchiveDestination struct {
	writer MessageWriter
	logger log.Logger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewArchiveDestination(writer MessageWriter, logger log.Logger) *ArchiveDestination {
	return &ArchiveDestination{writer: writer, logger: logger.Named("KafkaArchiveDestination")}
}

func archiveKafker(rec *model.ArchiveRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%s", rec.SystemUUID, rec.UID)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(rec.State)},
		},
	}, nil
}

func (d *ArchiveDestination) Save(ctx context.Context, rec *model.ArchiveRecord) error {
	msg, err := archiveKafker(rec)
	if err != nil {
		return fmt.Errorf("ArchiveDestination.Save:%w", err)
	}
	if err = d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ArchiveDestination.Save:%w", err)
	}
	d.logger.Debug("published", "key", string(msg.Key), "seq", rec.Seq)
	return nil
}

func (d *ArchiveDestination) Close() error {
	return d.writer.Close()
}
