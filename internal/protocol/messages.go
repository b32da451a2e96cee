// Package protocol defines the wire messages of the switch progress stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies progress stream payload variants.
type MessageType string

const (
	TypeSwitchStarted   MessageType = "switch_started"
	TypeSwitchStage     MessageType = "switch_stage"
	TypeSwitchCompleted MessageType = "switch_completed"
)

// Stage names within a switch, in execution order.
const (
	StageResolve = "resolve"
	StageOverlay = "overlay"
	StageIndex   = "index"
	StageContext = "context"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SwitchStarted struct {
	Type     MessageType `json:"type"`
	SwitchID string      `json:"switch_id"`
	TenantID string      `json:"tenant_id"`
	TSMs     int64       `json:"ts_ms"`
}

type SwitchStage struct {
	Type     MessageType `json:"type"`
	SwitchID string      `json:"switch_id"`
	TenantID string      `json:"tenant_id"`
	Stage    string      `json:"stage"`
	Outcome  string      `json:"outcome"` // "live", "fallback", "failed"
	Detail   string      `json:"detail,omitempty"`
	TSMs     int64       `json:"ts_ms"`
}

type SwitchCompleted struct {
	Type       MessageType `json:"type"`
	SwitchID   string      `json:"switch_id"`
	TenantID   string      `json:"tenant_id"`
	Outcome    string      `json:"outcome"` // "ok", "degraded", "failed"
	DurationMs int64       `json:"duration_ms"`
	TSMs       int64       `json:"ts_ms"`
}

// Event is any progress stream payload.
type Event interface {
	eventType() MessageType
}

func (m SwitchStarted) eventType() MessageType   { return m.Type }
func (m SwitchStage) eventType() MessageType     { return m.Type }
func (m SwitchCompleted) eventType() MessageType { return m.Type }

func NowMs() int64 {
	return time.Now().UnixMilli()
}

// ParseEvent decodes a progress payload, for clients consuming the stream.
func ParseEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSwitchStarted:
		var msg SwitchStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SwitchID == "" || msg.TenantID == "" {
			return nil, errors.New("invalid switch_started")
		}
		return msg, nil
	case TypeSwitchStage:
		var msg SwitchStage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SwitchID == "" || msg.Stage == "" || msg.Outcome == "" {
			return nil, errors.New("invalid switch_stage")
		}
		return msg, nil
	case TypeSwitchCompleted:
		var msg SwitchCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SwitchID == "" || msg.Outcome == "" {
			return nil, errors.New("invalid switch_completed")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
