package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kxquant/momentum-engine/internal/trade"
)

// JSONLSink appends one JSON object per line to a file, matching §6's
// "TradeTracker appends JSON-lines ... to a configured path" persistence
// contract. The tradebot always writes through it, and also to the
// database store when one is configured.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (creating if necessary, appending if it exists) the
// file at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tracker: open trade log %q: %w", path, err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one JSON-encoded record, terminated by a newline.
func (s *JSONLSink) Write(rec trade.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("tracker: write trade log entry: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *JSONLSink) Close() error {
	return s.file.Close()
}

// TeeSink fans a write out to every configured sink, continuing past the
// first error so one sink's failure (e.g. a database outage) doesn't drop
// the record from the other (e.g. the JSONL file always kept as a local
// record of truth).
type TeeSink struct {
	Sinks []Sink
}

func (t TeeSink) Write(rec trade.Record) error {
	var firstErr error
	for _, s := range t.Sinks {
		if err := s.Write(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
