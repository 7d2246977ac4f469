package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// LogHandler writes lifecycle envelopes to the global logger. Malformed
// messages are logged and acked so they do not block the topic.
func LogHandler(msg *message.Message) error {
	env, err := ParseEnvelope(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed lifecycle event")
		return nil
	}
	switch env.Type {
	case TypeTransition:
		var tr Transition
		if err := json.Unmarshal(env.Payload, &tr); err != nil {
			log.Warn().Err(err).Msg("dropping malformed transition")
			return nil
		}
		ev := log.Info()
		if tr.Error != "" {
			ev = log.Error().Str("error", tr.Error)
		}
		ev.Str("from", tr.From).Str("to", tr.To).Str("addr", tr.Addr).Msg("supervisor transition")
	default:
		log.Info().Str("type", env.Type).RawJSON("payload", env.Payload).Msg("lifecycle event")
	}
	return nil
}
