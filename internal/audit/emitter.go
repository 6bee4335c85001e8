package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Emitter is the interface for audit event emission.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// Config configures emission.
type Config struct {
	Enabled  bool
	Dir      string
	Endpoint string
	Producer ProducerInfo
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		slog.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}, nil
	}

	chain, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	fileLog, err := NewFileLog(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}

	e := &ChainEmitter{
		chain:    chain,
		file:     fileLog,
		producer: cfg.Producer,
		log:      slog.With("component", "audit"),
	}
	if cfg.Endpoint != "" {
		e.http = NewHTTPSink(cfg.Endpoint)
		e.log.Info("audit events will be posted", "endpoint", cfg.Endpoint)
	}
	return e, nil
}

// ChainEmitter seals events into a per-table hash chain, appends them to
// the local log and optionally POSTs them.
type ChainEmitter struct {
	mu       sync.Mutex
	chain    *ChainTracker
	file     *FileLog
	http     *HTTPSink
	producer ProducerInfo
	log      *slog.Logger
}

// Emit fills in identity and chain fields, then persists the event.
//
// Order:
//  1. Read the chain head
//  2. Seal the event (id, timestamp, hashes)
//  3. Append to the local log (the record of truth)
//  4. POST to the endpoint, if any
//  5. Advance the chain head
func (e *ChainEmitter) Emit(ctx context.Context, evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	prevHash, err := e.chain.GetHead(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = SchemaVersion
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	evt.Producer = e.producer
	evt.SetChainHashes(prevHash)

	if err := e.file.Append(evt); err != nil {
		return err
	}

	if e.http != nil {
		if err := e.http.Post(ctx, evt); err != nil {
			e.log.Warn("audit post failed, event kept locally", "event_id", evt.EventID, "error", err)
		}
	}

	if err := e.chain.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Log exposes the local event log.
func (e *ChainEmitter) Log() *FileLog { return e.file }

func (e *ChainEmitter) Close() error { return nil }

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }

func (noopEmitter) Close() error { return nil }
