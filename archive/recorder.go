package archive

import (
	"context"
	"fmt"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/flant/negentropy/provisioning/model"
)

// Recorder saves record at the store and publishes it to sinks.
// A sink failure doesn't fail archiving.
type Recorder struct {
	store  Store
	sinks  []Sink
	logger log.Logger
}

func NewRecorder(store Store, logger log.Logger, sinks ...Sink) *Recorder {
	return &Recorder{store: store, sinks: sinks, logger: logger.Named("ArchiveRecorder")}
}

func (r *Recorder) Save(ctx context.Context, rec *model.ArchiveRecord) error {
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("Recorder.Save:%w", err)
	}
	var sinkErr error
	for _, sink := range r.sinks {
		if err := sink.Save(ctx, rec); err != nil {
			sinkErr = multierror.Append(sinkErr, err)
		}
	}
	if sinkErr != nil {
		r.logger.Warn("publish archive record", "operation", rec.OperationUUID, "err", sinkErr)
	}
	return nil
}

func (r *Recorder) Query(ctx context.Context, filter Filter) ([]*model.ArchiveRecord, error) {
	return r.store.Query(ctx, filter)
}
