package connector

import (
	"errors"
	"fmt"

	"github.com/contextd/connectors/internal/batch"
	"github.com/contextd/connectors/internal/ipc"
	"github.com/contextd/connectors/internal/types"
)

// ingestSender delivers assembled batches to the daemon's ingestion
// endpoint. Connection failures surface as retryable errors so the
// batcher requeues; payload failures surface as serialization errors so
// the batcher drops.
type ingestSender struct {
	transport Transport
}

func (s *ingestSender) SendBatch(b types.EventBatch) error {
	resp, err := s.transport.Request(&ipc.Request{
		Path:   "/api/events/ingest",
		Method: "POST",
		Body:   b,
	})
	if err != nil {
		if errors.Is(err, ipc.ErrSerialization) {
			return fmt.Errorf("%w: %v", batch.ErrSerialization, err)
		}
		return err
	}
	if !resp.OK() {
		if resp.Status >= 400 && resp.Status < 500 {
			// The daemon rejected the payload itself; retrying the same
			// batch cannot succeed.
			return fmt.Errorf("%w: daemon rejected batch with status %d: %s",
				batch.ErrSerialization, resp.Status, resp.Error)
		}
		return fmt.Errorf("daemon ingest returned status %d: %s", resp.Status, resp.Error)
	}
	return nil
}
