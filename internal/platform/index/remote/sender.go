package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

// Sender hands a remote-index message to the delivery mechanism with
// at-least-once intent. The production transport (a partitioned broker) is a
// collaborator; Dispatcher below is the in-process implementation used for
// synchronous-index configurations and tests.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Handler consumes the serialized messages of one partition, in order.
type Handler func(ctx context.Context, payload []byte) error

// Dispatcher fans messages out to a fixed number of partitions, hashing the
// message's resourceType/logicalId key so every update of one logical
// resource is consumed sequentially by the same partition worker.
type Dispatcher struct {
	partitions []chan []byte
	handler    Handler
	log        zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts shards partition workers delivering to handler.
func NewDispatcher(shards int, handler Handler, log zerolog.Logger) *Dispatcher {
	if shards <= 0 {
		shards = 1
	}
	d := &Dispatcher{
		partitions: make([]chan []byte, shards),
		handler:    handler,
		log:        log,
	}
	for i := range d.partitions {
		ch := make(chan []byte, 256)
		d.partitions[i] = ch
		d.wg.Add(1)
		go d.consume(i, ch)
	}
	return d
}

func (d *Dispatcher) consume(partition int, ch <-chan []byte) {
	defer d.wg.Done()
	for payload := range ch {
		if err := d.handler(context.Background(), payload); err != nil {
			// At-least-once intent: delivery failures are logged for the
			// reconciliation job, never dropped silently.
			d.log.Error().Int("partition", partition).Err(err).
				Msg("remote index message handling failed")
		}
	}
}

// Send serializes the message and enqueues it on its partition. It returns
// once the message is accepted for delivery; the write path does not wait
// for the downstream consumer.
func (d *Dispatcher) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal remote index message: %w", err)
	}

	h := fnv.New32a()
	h.Write([]byte(msg.PartitionKey()))
	partition := int(h.Sum32()) % len(d.partitions)
	if partition < 0 {
		partition += len(d.partitions)
	}

	// The read lock spans the send so Close cannot close the channel out
	// from under a blocked enqueue.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("remote index dispatcher closed")
	}
	select {
	case d.partitions[partition] <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for the partition workers to
// drain their queues.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.partitions {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
