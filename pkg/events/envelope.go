package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const TopicLifecycle = "svcship.lifecycle"

const (
	TypeTransition = "supervisor.transition"
	TypeAppExit    = "app.exit"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal envelope payload")
	}
	return Envelope{Type: typ, Payload: b}, nil
}

func (e Envelope) MarshalJSONBytes() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal envelope")
	}
	return e, nil
}

// Transition is published whenever the supervisor changes phase.
type Transition struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Addr  string    `json:"addr,omitempty"`
	Error string    `json:"error,omitempty"`
}
