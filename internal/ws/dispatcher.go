package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/classcast/livechat/internal/chat"
	"github.com/classcast/livechat/internal/errs"
	"github.com/classcast/livechat/internal/protocol"
)

// opTimeout bounds a single service call triggered by one inbound frame.
const opTimeout = 5 * time.Second

// Dispatcher routes parsed client frames to chat service calls and turns
// rejections into typed error events sent back to the offending connection
// only. Nothing is ever silently dropped.
type Dispatcher struct {
	svc *chat.Service
}

// NewDispatcher creates a Dispatcher bound to the chat service.
func NewDispatcher(svc *chat.Service) *Dispatcher {
	return &Dispatcher{svc: svc}
}

// Dispatch parses raw frame bytes and executes the corresponding action.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: parse error user=%s conn=%s: %v", conn.Identity.UserID, conn.ID, err)
		d.sendError(conn, errs.Validation("invalid message format"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.ChatMessageMsg:
		_, err = d.svc.SendMessage(ctx, conn.Identity, conn.SessionID, m.Message, m.IsPrivate, m.RecipientID)

	case protocol.ReactionMsg:
		_, err = d.svc.AddReaction(ctx, conn.Identity, conn.SessionID, m.MessageID, m.Reaction)

	case protocol.HandRaisedMsg:
		_, err = d.svc.RaiseHand(ctx, conn.Identity, conn.SessionID)

	case protocol.HandLoweredMsg:
		err = d.svc.LowerHand(ctx, conn.Identity, conn.SessionID, m.UserID)

	case protocol.TypingMsg:
		d.svc.SetTyping(ctx, conn.Identity, conn.SessionID, msgType == protocol.TypeTypingStart)

	case protocol.DeleteMessageMsg:
		err = d.svc.DeleteMessage(ctx, conn.Identity, conn.SessionID, m.MessageID)

	case protocol.MuteUserMsg:
		var duration *time.Duration
		if m.DurationMinutes > 0 {
			dur := time.Duration(m.DurationMinutes) * time.Minute
			duration = &dur
		}
		_, err = d.svc.MuteUser(ctx, conn.Identity, conn.SessionID, m.UserID, duration, m.Reason)

	case protocol.UnmuteUserMsg:
		err = d.svc.UnmuteUser(ctx, conn.Identity, conn.SessionID, m.UserID)

	case protocol.PingMsg:
		d.sendPong(conn)
		return

	default:
		log.Printf("ws: unsupported message type=%q user=%s", msgType, conn.Identity.UserID)
		d.sendError(conn, errs.Validation("unsupported message type"))
		return
	}

	if err != nil {
		d.sendError(conn, err)
	}
}

// sendError writes a typed error event directly to the connection. Errors
// building or sending the frame are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, err error) {
	event := protocol.ErrorEvent{
		Code:    string(errs.CodeOf(err)),
		Message: err.Error(),
	}
	var ae *errs.AppError
	if errors.As(err, &ae) {
		event.Message = ae.Message
		event.RetryAfter = ae.RetryAfterSeconds
	}

	data, encErr := protocol.NewServerMessage(protocol.TypeError, event)
	if encErr != nil {
		log.Printf("ws: build error event conn=%s: %v", conn.ID, encErr)
		return
	}
	if writeErr := conn.WriteMessage(data); writeErr != nil {
		log.Printf("ws: send error event conn=%s: %v", conn.ID, writeErr)
	}
}

// sendPong answers an application-level ping frame.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send pong conn=%s: %v", conn.ID, err)
	}
}
