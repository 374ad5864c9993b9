package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"salesetl/internal/core"
	"salesetl/internal/pipeline"
)

// RunRequestedMessage asks a worker to run the pipeline over one CSV export.
// An empty CSVPath means the worker's configured default.
type RunRequestedMessage struct {
	RequestID   string    `json:"request_id"`
	CSVPath     string    `json:"csv_path,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunRequestedMessage(csvPath string) *RunRequestedMessage {
	return &RunRequestedMessage{
		RequestID:   uuid.NewString(),
		CSVPath:     csvPath,
		RequestedAt: time.Now().UTC(),
	}
}

func (m *RunRequestedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RunRequestedMessageFromJSON(data []byte) (*RunRequestedMessage, error) {
	var msg RunRequestedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RunCompletedMessage is the event published after every run.
type RunCompletedMessage struct {
	RunID      string               `json:"run_id"`
	Source     string               `json:"source,omitempty"`
	Status     string               `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Input      int                  `json:"input"`
	Loaded     int                  `json:"loaded"`
	Skipped    int                  `json:"skipped"`
	Failed     int                  `json:"failed"`
	TotalCents int64                `json:"total_cents"`
	Total      string               `json:"total"`
	Error      string               `json:"error,omitempty"`
	Failures   []core.RecordFailure `json:"failures,omitempty"`
}

func NewRunCompletedMessage(rep *pipeline.Report) *RunCompletedMessage {
	total := rep.Total()
	return &RunCompletedMessage{
		RunID:      rep.RunID,
		Source:     rep.Source,
		Status:     string(rep.Status),
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Input:      rep.Input,
		Loaded:     rep.Loaded,
		Skipped:    rep.Skipped,
		Failed:     rep.Failed,
		TotalCents: total.Cents,
		Total:      total.String(),
		Error:      rep.Error,
		Failures:   rep.Failures,
	}
}

func (m *RunCompletedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RunCompletedMessageFromJSON(data []byte) (*RunCompletedMessage, error) {
	var msg RunCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
