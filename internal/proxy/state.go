package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"KDJScreener/internal/model"
)

type stateFile struct {
	UpdatedAt time.Time           `json:"updated_at"`
	Records   []model.ProxyRecord `json:"records"`
}

// LoadState reads persisted proxy statistics. Returns nil if the file doesn't exist.
func LoadState(filePath string) ([]model.ProxyRecord, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state.Records, nil
}

// SaveState writes the pool's statistics to a JSON file.
func SaveState(filePath string, p *Pool) error {
	state := stateFile{UpdatedAt: time.Now(), Records: p.Snapshot()}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}
