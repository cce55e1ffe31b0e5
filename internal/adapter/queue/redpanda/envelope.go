// Package redpanda implements the task queue on Redpanda/Kafka.
//
// Tasks travel as JSON envelopes, gzip-compressed past a size threshold.
// Consumers use group transactions with marked offsets so a task is only
// committed after its handler finishes (late acknowledgment).
package redpanda

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// compressThreshold is the encoded size past which envelopes are gzipped.
const compressThreshold = 1024

// Envelope is the wire format for one task.
type Envelope struct {
	TaskID        string          `json:"task_id"`
	HandlerName   string          `json:"handler_name"`
	Args          []any           `json:"args"`
	Kwargs        json.RawMessage `json:"kwargs"`
	Route         string          `json:"route"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Retries       int             `json:"retries"`
	MaxRetries    int             `json:"max_retries"`
	SoftDeadlineS int             `json:"soft_deadline_s"`
	HardDeadlineS int             `json:"hard_deadline_s"`
}

// Encode serializes the envelope, compressing when it exceeds the threshold.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=envelope.encode task_id=%s: %w", e.TaskID, err)
	}
	if len(raw) <= compressThreshold {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("op=envelope.encode task_id=%s: %w", e.TaskID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("op=envelope.encode task_id=%s: %w", e.TaskID, err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses an envelope, sniffing the gzip magic bytes so plain
// and compressed payloads both decode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("op=envelope.decode: %w", err)
		}
		defer func() { _ = zr.Close() }()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("op=envelope.decode: %w", err)
		}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("op=envelope.decode: %w", err)
	}
	if env.TaskID == "" || env.HandlerName == "" {
		return nil, fmt.Errorf("op=envelope.decode: %w", domain.ErrInvalidArgument)
	}
	return &env, nil
}

// DecodePayload reconstructs the typed payload from the envelope's kwargs.
func DecodePayload(env *Envelope) (domain.TaskPayload, error) {
	switch env.HandlerName {
	case domain.HandlerEnrollByGroups:
		var p domain.EnrollByGroupsPayload
		if err := json.Unmarshal(env.Kwargs, &p); err != nil {
			return nil, fmt.Errorf("op=envelope.decode_payload handler=%s: %w", env.HandlerName, err)
		}
		return p, nil
	case domain.HandlerSingleGroup:
		var p domain.SingleGroupPayload
		if err := json.Unmarshal(env.Kwargs, &p); err != nil {
			return nil, fmt.Errorf("op=envelope.decode_payload handler=%s: %w", env.HandlerName, err)
		}
		return p, nil
	case domain.HandlerBulk:
		var p domain.BulkPayload
		if err := json.Unmarshal(env.Kwargs, &p); err != nil {
			return nil, fmt.Errorf("op=envelope.decode_payload handler=%s: %w", env.HandlerName, err)
		}
		return p, nil
	case domain.HandlerHealthCheck:
		var p domain.HealthCheckPayload
		if err := json.Unmarshal(env.Kwargs, &p); err != nil {
			return nil, fmt.Errorf("op=envelope.decode_payload handler=%s: %w", env.HandlerName, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("op=envelope.decode_payload: unknown handler %q: %w", env.HandlerName, domain.ErrInvalidArgument)
	}
}
