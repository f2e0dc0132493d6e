package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

// Requester is the slice of the transport session the chat providers need.
type Requester interface {
	Request(ctx context.Context, kind string, payload any) (json.RawMessage, error)
}

// SessionHistory fetches the history page over the live connection via
// team:info.
type SessionHistory struct {
	req Requester
}

func NewSessionHistory(req Requester) *SessionHistory {
	return &SessionHistory{req: req}
}

func (h *SessionHistory) History(ctx context.Context, targetID string, limit int) ([]Message, error) {
	data, err := h.req.Request(ctx, types.RequestTeamInfo, types.ServerRef{ServerID: targetID})
	if err != nil {
		return nil, fmt.Errorf("team:info: %w", err)
	}
	var info types.TeamInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("team:info decode: %w", err)
	}
	msgs := info.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			Sender: m.Name,
			Body:   m.Message,
			Time:   m.Time, // normalized during merge
		})
	}
	return out, nil
}

// SessionSender dispatches one fragment via message:send.
type SessionSender struct {
	req Requester
}

func NewSessionSender(req Requester) *SessionSender {
	return &SessionSender{req: req}
}

func (s *SessionSender) Send(ctx context.Context, targetID, body string) error {
	_, err := s.req.Request(ctx, types.RequestMessageSend, types.SendMessage{
		ServerID: targetID,
		Message:  body,
	})
	return err
}
