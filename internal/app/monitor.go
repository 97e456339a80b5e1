package app

import (
	"encoding/json"
	"strings"

	"agenttap/internal/domain"
)

// Monitor demultiplexes a session's message stream. Error messages become
// *domain.ScriptError values passed to OnError; what that means is up to the
// caller's phase. Blank log lines are dropped, others are logged under
// Label. Send payloads go to OnSend, or are logged as opaque script output
// when nobody is waiting for them.
type Monitor struct {
	Label   string
	Logger  domain.Logger
	OnSend  func(payload json.RawMessage)
	OnError func(err *domain.ScriptError)
}

// Handle dispatches one message. It has the domain.MessageHandler shape.
func (m *Monitor) Handle(msg domain.Message) {
	switch msg.Type {
	case domain.MessageError:
		scriptErr := domain.NewScriptError(msg)
		if m.OnError != nil {
			m.OnError(scriptErr)
			return
		}
		m.Logger.Warn("script error", "script", m.Label, "err", scriptErr)
	case domain.MessageLog:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		m.log(msg.Level, text)
	case domain.MessageSend:
		if m.OnSend != nil {
			m.OnSend(msg.Payload)
			return
		}
		m.Logger.Info("script output", "script", m.Label, "payload", string(msg.Payload))
	default:
		m.Logger.Warn("unrecognised script message", "script", m.Label, "type", string(msg.Type))
	}
}

func (m *Monitor) log(level, text string) {
	switch strings.ToLower(level) {
	case "debug":
		m.Logger.Debug(text, "script", m.Label)
	case "warn", "warning":
		m.Logger.Warn(text, "script", m.Label)
	case "error":
		m.Logger.Error(text, "script", m.Label)
	default:
		m.Logger.Info(text, "script", m.Label)
	}
}
