package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// File is an append-only newline-delimited JSON sink. Flush fsyncs, so a
// successful Flush is the durability boundary the replicator relies on
// before advancing its committed position.
type File struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFile opens (creating if necessary) path for appending.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("producer: open %s: %w", path, err)
	}
	return &File{f: f, enc: json.NewEncoder(f), path: path}, nil
}

type fileRecord struct {
	Kind      string         `json:"kind"`
	Database  string         `json:"database"`
	Table     string         `json:"table"`
	Position  string         `json:"position"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Timestamp int64          `json:"ts"`
}

func (p *File) Enqueue(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(fileRecord{
		Kind:      rec.Kind.String(),
		Database:  rec.Database,
		Table:     rec.Table,
		Position:  rec.Position,
		Before:    rec.Before,
		After:     rec.After,
		Timestamp: rec.Timestamp,
	})
}

func (p *File) Flush(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Sync()
}

func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}
