// Package archive copies usage records to long-term JSON Lines storage,
// either S3 (or an S3-compatible store such as MinIO) or rotating local files.
package archive

import (
	"bytes"
	"context"
	"encoding/json"

	"llm_router/internal/models"
)

// Writer persists a batch of usage records
type Writer interface {
	WriteBatch(ctx context.Context, records []models.UsageRecord) error
	Close() error
}

// encodeLines renders records as JSON Lines
func encodeLines(records []models.UsageRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
