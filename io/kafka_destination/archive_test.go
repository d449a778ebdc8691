package kafka_destination

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/model"
)

type fakeWriter struct {
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	return nil
}

func Test_ArchiveDestination(t *testing.T) {
	writer := &fakeWriter{}
	dest := NewArchiveDestination(writer, log.NewNullLogger())
	op := &model.ProvisioningOperation{
		UUID:       "op1",
		SystemUUID: "s1",
		UID:        "jdoe",
		Type:       model.OperationCreate,
		Attributes: map[string]interface{}{"password": model.SecretRef{Key: "op1/password"}},
	}
	rec := model.NewArchiveRecord("rec1", op, model.StateExecuted, time.Now())

	require.NoError(t, dest.Save(context.Background(), rec))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, "s1/jdoe", string(msg.Key))
	require.Equal(t, "EXECUTED", string(msg.Headers[0].Value))

	var published map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &published))
	require.Equal(t, "op1", published["operation_uuid"])
	require.Equal(t, "******", published["attributes"].(map[string]interface{})["password"])
}
