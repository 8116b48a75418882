package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AlertLog persists alerts as newline-delimited JSON, one object per line,
// append-only. Persistence is best-effort: callers log failures and move on.
type AlertLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAlertLog opens (or creates) the alert log at path.
func OpenAlertLog(path string) (*AlertLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log: %w", err)
	}
	return &AlertLog{file: f}, nil
}

// Append writes one alert line.
func (al *AlertLog) Append(alert SecurityAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if _, err := al.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (al *AlertLog) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.file.Close()
}
