package kafka_source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"

	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/uuid"
)

const (
	EntityKeyType      = model.EntityType
	EntitlementKeyType = "entitlement"
)

// MessageReader is the part of *kafka.Reader used by the source
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler applies inbound changes, implemented by usecase.Core
type Handler interface {
	EntityChanged(ctx context.Context, entity *model.Entity) error
	EntityDeleted(ctx context.Context, entityUUID string) error
	EntitlementChanged(ctx context.Context, event *model.EntitlementEvent) error
}

// EntitlementSource reads entities and entitlement events.
// Message key is "<type>/<id>", value is JSON, nil value of entity means deletion.
type EntitlementSource struct {
	reader  MessageReader
	handler Handler
	logger  log.Logger
}

func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		IsolationLevel: kafka.ReadCommitted,
	})
}

func NewEntitlementSource(reader MessageReader, handler Handler, logger log.Logger) *EntitlementSource {
	return &EntitlementSource{reader: reader, handler: handler, logger: logger.Named("KafkaSource")}
}

// Run consumes messages until ctx is done. A message failed by the handler is logged and committed,
// redelivery would fail the same way.
func (s *EntitlementSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err = s.HandleMessage(ctx, msg); err != nil {
			s.logger.Error("skipping message", "key", string(msg.Key), "offset", msg.Offset, "err", err)
		}
		if err = s.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (s *EntitlementSource) HandleMessage(ctx context.Context, msg kafka.Message) error {
	splitted := strings.Split(string(msg.Key), "/")
	if len(splitted) != 2 {
		return fmt.Errorf("key has wrong format: %s", string(msg.Key))
	}
	objType, objID := splitted[0], splitted[1]
	if (objType == EntityKeyType || objType == EntitlementKeyType) && !uuid.Valid(objID) {
		return fmt.Errorf("key has wrong uuid: %s", string(msg.Key))
	}

	switch objType {
	case EntityKeyType:
		if msg.Value == nil {
			return s.handler.EntityDeleted(ctx, objID)
		}
		entity := &model.Entity{}
		if err := json.Unmarshal(msg.Value, entity); err != nil {
			return fmt.Errorf("unmarshal entity %s: %w", objID, err)
		}
		entity.UUID = objID
		return s.handler.EntityChanged(ctx, entity)

	case EntitlementKeyType:
		event := &model.EntitlementEvent{}
		if msg.Value != nil {
			if err := json.Unmarshal(msg.Value, event); err != nil {
				return fmt.Errorf("unmarshal entitlement %s: %w", objID, err)
			}
		} else {
			event.Action = model.ActionDelete
		}
		event.AssignmentUUID = objID
		if event.Action == "" {
			event.Action = model.ActionUpsert
		}
		return s.handler.EntitlementChanged(ctx, event)
	}
	s.logger.Debug("unknown type, skipped", "type", objType)
	return nil
}
