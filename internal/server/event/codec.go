package event

import (
	"encoding/json"
	"fmt"

	"github.com/charadev96/invitecore/internal/server/domain"
)

type envelope struct {
	Kind    domain.EventKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

func Encode(ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

func Decode(data []byte) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	var ev domain.Event
	var err error
	switch env.Kind {
	case domain.KindInvitationCreated:
		ev, err = decodePayload[domain.InvitationCreated](env.Payload)
	case domain.KindInvitationUsed:
		ev, err = decodePayload[domain.InvitationUsed](env.Payload)
	case domain.KindInvitationRevoked:
		ev, err = decodePayload[domain.InvitationRevoked](env.Payload)
	case domain.KindInvitationExpired:
		ev, err = decodePayload[domain.InvitationExpired](env.Payload)
	case domain.KindInvitationLimitReached:
		ev, err = decodePayload[domain.InvitationLimitReached](env.Payload)
	default:
		return nil, fmt.Errorf("failed to decode event: unknown kind '%s'", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Kind, err)
	}
	return ev, nil
}

func decodePayload[T domain.Event](data []byte) (domain.Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
