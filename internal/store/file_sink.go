package store

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileSink appends one payload per line to a results file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) WriteResult(ctx context.Context, entry ResultEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(entry.Payload + "\n"); err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}
