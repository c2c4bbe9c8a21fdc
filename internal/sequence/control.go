package sequence

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownCommand is returned for control messages other than stop.
var ErrUnknownCommand = errors.New("sequence: unknown control command")

// CommandStop ends the active run after the current projection.
const CommandStop = "stop"

type controlMessage struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
}

// HandleControl processes a control message of the form
// {"command": "stop"}. It matches mqtt.MessageHandler.
func (s *Sequencer) HandleControl(topic string, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding control message on %s: %w", topic, err)
	}

	switch msg.Command {
	case CommandStop:
		if !s.RequestStop() {
			s.deps.Logger.Info("stop ignored, no active run", "source", msg.Source)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
}
