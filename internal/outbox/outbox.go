// Package outbox appends emitted envelopes to a JSONL audit file. The file
// is both the execution audit trail and the capture format the replay tool
// consumes.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

// Outbox is an append-only envelope log. Writes are serialized; each line is
// one complete envelope.
type Outbox struct {
	mu sync.Mutex
	f  *os.File
}

func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Outbox{f: f}, nil
}

// Append writes one envelope as a JSON line.
func (o *Outbox) Append(env contracts.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append envelope %s: %w", env.EventID, err)
	}
	return nil
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.f.Close()
}
