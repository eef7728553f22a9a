package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// OutputCallback is invoked with incremental build or pull messages.
type OutputCallback func(string)

type jsonMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    messageErrorDetail     `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type messageErrorDetail struct {
	Message string `json:"message"`
}

// streamError is the daemon's own failure message for a build or pull.
type streamError struct {
	msg string
}

func (e *streamError) Error() string { return e.msg }

// IsStreamError reports whether err carries a daemon-side build or pull failure.
func IsStreamError(err error) bool {
	var se *streamError
	return errors.As(err, &se)
}

// consumeStream decodes a JSON message stream and returns the image id
// announced in an aux message, if any.
func consumeStream(r io.Reader, onOutput OutputCallback) (string, error) {
	decoder := json.NewDecoder(r)
	var imageID string
	for {
		var msg jsonMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return imageID, nil
			}
			return imageID, fmt.Errorf("decode daemon output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return imageID, &streamError{msg: errMsg}
		}
		if id, ok := msg.Aux["ID"].(string); ok && id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

func (m jsonMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m jsonMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
