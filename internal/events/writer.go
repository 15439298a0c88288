package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

// Append writes one launch_events row inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, launchID, step, status, message string, metadata Metadata) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = Metadata{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal event metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO launch_events(launch_id,step,status,message,metadata_json,created_at) VALUES (?,?,?,?,?,?)`,
		launchID, step, status, nullable(message), string(data), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
