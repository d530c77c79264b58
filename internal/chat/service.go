// Package chat hosts the service orchestrating all chat and moderation
// actions for live sessions. Every inbound action runs an ordered gate
// pipeline; a failed gate short-circuits with a typed error and mutates
// nothing, so moderation and rate limits cannot be bypassed by any transport.
package chat

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/errs"
	"github.com/classcast/livechat/internal/message"
	"github.com/classcast/livechat/internal/metrics"
	"github.com/classcast/livechat/internal/moderation"
	"github.com/classcast/livechat/internal/presence"
	"github.com/classcast/livechat/internal/protocol"
	"github.com/classcast/livechat/internal/ratelimit"
)

// Broadcaster is the outbound side of the service: the hub manager in a
// single-instance deployment, or a fan-out wrapper that also publishes to
// NATS when multiple gateway instances share a session.
type Broadcaster interface {
	// Broadcast delivers data to every connection in the session.
	Broadcast(sessionID string, data []byte)

	// BroadcastPrivate delivers data to the sender, the recipient, and
	// connected instructors only.
	BroadcastPrivate(sessionID, senderID, recipientID string, data []byte)

	// SendToUser delivers data to all of one user's connections.
	SendToUser(sessionID, userID string, data []byte)

	// IsConnected reports whether the user has a live connection to the
	// session. Used to validate private-message recipients.
	IsConnected(sessionID, userID string) bool
}

// Deps bundles the stores and policies the service orchestrates.
type Deps struct {
	Messages message.Store
	Mutes    moderation.MuteStore
	Filter   *moderation.Filter
	Strikes  *moderation.StrikeTracker
	Hands    presence.HandStore
	Typing   *presence.TypingTracker
	Limiter  *ratelimit.Limiter
	Cast     Broadcaster
}

// Service validates and executes chat actions. It is safe for concurrent use
// from any number of connections and transports.
type Service struct {
	messages message.Store
	mutes    moderation.MuteStore
	filter   *moderation.Filter
	strikes  *moderation.StrikeTracker
	hands    presence.HandStore
	typing   *presence.TypingTracker
	limiter  *ratelimit.Limiter
	cast     Broadcaster
}

// NewService creates the chat service from its dependencies.
func NewService(deps Deps) *Service {
	return &Service{
		messages: deps.Messages,
		mutes:    deps.Mutes,
		filter:   deps.Filter,
		strikes:  deps.Strikes,
		hands:    deps.Hands,
		typing:   deps.Typing,
		limiter:  deps.Limiter,
		cast:     deps.Cast,
	}
}

// SendMessage runs the full message pipeline: validation, mute gate, rate
// limit gate (instructors bypass), profanity filter, persistence, broadcast.
// The returned message is the canonical persisted record with censored body.
func (s *Service) SendMessage(ctx context.Context, actor auth.Identity, sessionID, body string, isPrivate bool, recipientID string) (*message.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, errs.Validation("message body is empty")
	}
	if utf8.RuneCountInString(body) > message.MaxBodyChars {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, errs.Validation("message body exceeds 500 characters")
	}
	if isPrivate {
		if recipientID == "" {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil, errs.Validation("private message requires recipient_id")
		}
		if !s.cast.IsConnected(sessionID, recipientID) {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil, errs.NotFound("recipient is not connected to the session")
		}
	}

	muted, err := s.mutes.IsMuted(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "mute lookup failed", err)
	}
	if muted {
		metrics.MessagesTotal.WithLabelValues("muted").Inc()
		return nil, errs.Muted("you are muted in this session")
	}

	if !actor.IsInstructor() && !s.limiter.Allow(ctx, sessionID, actor.UserID, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return nil, errs.RateLimited("message rate limit exceeded",
			int(ratelimit.RuleMessage.Window.Seconds()))
	}

	res := s.filter.Check(body)

	m := &message.Message{
		SessionID:  sessionID,
		SenderID:   actor.UserID,
		SenderName: actor.DisplayName,
		Body:       res.Censored,
		IsPrivate:  isPrivate,
	}
	if isPrivate {
		m.RecipientID = &recipientID
	}
	rec, err := s.messages.Append(ctx, m)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, errs.Wrap(errs.CodeInternal, "failed to persist message", err)
	}

	// The violating message is delivered censored; the strike (and a possible
	// auto-mute) only affects what comes after it.
	if res.Violation {
		metrics.ProfanityViolations.Inc()
		if _, autoMute := s.strikes.Record(ctx, sessionID, actor.UserID); autoMute {
			s.autoMute(ctx, sessionID, actor.UserID)
		}
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	s.broadcastMessage(rec)
	return rec, nil
}

// autoMute issues the strike-threshold mute on behalf of the system actor.
func (s *Service) autoMute(ctx context.Context, sessionID, userID string) {
	d := moderation.AutoMuteDuration
	m, err := s.mutes.Mute(ctx, sessionID, userID, moderation.SystemActor,
		"repeated profanity violations", &d)
	if err != nil {
		log.Printf("[chat] auto-mute session=%s user=%s: %v", sessionID, userID, err)
		return
	}
	metrics.AutoMutes.Inc()
	log.Printf("[chat] auto-muted user=%s session=%s until=%v", userID, sessionID, m.ActiveUntil)
	s.broadcastEvent(sessionID, protocol.TypeUserMuted, protocol.UserMutedEvent{
		UserID:      userID,
		MutedBy:     moderation.SystemActor,
		Reason:      m.Reason,
		ActiveUntil: m.ActiveUntil,
		Auto:        true,
	})
}

// AddReaction adds one reaction to a message the actor can see. Reactions are
// rate limited separately from messages; instructors bypass the limit. The
// mute gate applies here too, since reactions are visible to the whole room.
func (s *Service) AddReaction(ctx context.Context, actor auth.Identity, sessionID, messageID, kind string) (map[string]int, error) {
	if !message.ValidReaction(kind) {
		return nil, errs.Validation("unknown reaction kind")
	}

	muted, err := s.mutes.IsMuted(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "mute lookup failed", err)
	}
	if muted {
		return nil, errs.Muted("you are muted in this session")
	}

	if !actor.IsInstructor() && !s.limiter.Allow(ctx, sessionID, actor.UserID, ratelimit.RuleReaction) {
		return nil, errs.RateLimited("reaction rate limit exceeded",
			int(ratelimit.RuleReaction.Window.Seconds()))
	}

	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SessionID != sessionID || m.IsDeleted || !m.VisibleTo(actor.UserID, actor.Role) {
		return nil, errs.NotFound("message not found")
	}

	counts, err := s.messages.AddReaction(ctx, messageID, kind)
	if err != nil {
		return nil, err
	}

	event := protocol.ReactionEvent{
		MessageID: messageID,
		Reaction:  kind,
		UserID:    actor.UserID,
		Counts:    counts,
	}
	data, err := protocol.NewServerMessage(protocol.TypeReactionAdded, event)
	if err != nil {
		log.Printf("[chat] encode reaction event: %v", err)
		return counts, nil
	}
	if m.IsPrivate && m.RecipientID != nil {
		s.cast.BroadcastPrivate(sessionID, m.SenderID, *m.RecipientID, data)
	} else {
		s.cast.Broadcast(sessionID, data)
	}
	return counts, nil
}

// DeleteMessage tombstones a message. Instructor-only; the record stays in
// storage and in exports.
func (s *Service) DeleteMessage(ctx context.Context, actor auth.Identity, sessionID, messageID string) error {
	if !actor.IsInstructor() {
		return errs.Forbidden("only instructors can delete messages")
	}

	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SessionID != sessionID {
		return errs.NotFound("message not found")
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return err
	}

	event := protocol.MessageDeletedEvent{MessageID: messageID, DeletedBy: actor.UserID}
	data, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, event)
	if err != nil {
		log.Printf("[chat] encode delete event: %v", err)
		return nil
	}
	if m.IsPrivate && m.RecipientID != nil {
		s.cast.BroadcastPrivate(sessionID, m.SenderID, *m.RecipientID, data)
	} else {
		s.cast.Broadcast(sessionID, data)
	}
	return nil
}

// MuteUser mutes a participant. Instructor-only; duration == nil is
// permanent. A new mute supersedes any existing one.
func (s *Service) MuteUser(ctx context.Context, actor auth.Identity, sessionID, userID string, duration *time.Duration, reason string) (*moderation.Mute, error) {
	if !actor.IsInstructor() {
		return nil, errs.Forbidden("only instructors can mute users")
	}
	if userID == "" {
		return nil, errs.Validation("user_id is required")
	}

	m, err := s.mutes.Mute(ctx, sessionID, userID, actor.UserID, reason, duration)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "failed to store mute", err)
	}
	log.Printf("[chat] muted user=%s session=%s by=%s until=%v", userID, sessionID, actor.UserID, m.ActiveUntil)

	s.broadcastEvent(sessionID, protocol.TypeUserMuted, protocol.UserMutedEvent{
		UserID:      userID,
		MutedBy:     actor.UserID,
		Reason:      reason,
		ActiveUntil: m.ActiveUntil,
	})
	return m, nil
}

// UnmuteUser lifts a participant's mute. Instructor-only. Returns a
// NOT_MUTED error when there is no active mute to lift.
func (s *Service) UnmuteUser(ctx context.Context, actor auth.Identity, sessionID, userID string) error {
	if !actor.IsInstructor() {
		return errs.Forbidden("only instructors can unmute users")
	}
	if userID == "" {
		return errs.Validation("user_id is required")
	}

	if err := s.mutes.Unmute(ctx, sessionID, userID); err != nil {
		return err
	}
	log.Printf("[chat] unmuted user=%s session=%s by=%s", userID, sessionID, actor.UserID)

	s.broadcastEvent(sessionID, protocol.TypeUserUnmuted, protocol.UserUnmutedEvent{
		UserID:    userID,
		UnmutedBy: actor.UserID,
	})
	return nil
}

// ListActiveMutes returns the session's active mutes. Instructor-only.
func (s *Service) ListActiveMutes(ctx context.Context, actor auth.Identity, sessionID string) ([]*moderation.Mute, error) {
	if !actor.IsInstructor() {
		return nil, errs.Forbidden("only instructors can list mutes")
	}
	return s.mutes.ListActive(ctx, sessionID)
}

// RaiseHand raises the actor's hand. Idempotent while the hand is up.
func (s *Service) RaiseHand(ctx context.Context, actor auth.Identity, sessionID string) (*presence.RaisedHand, error) {
	h, err := s.hands.Raise(ctx, sessionID, actor.UserID, actor.DisplayName)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(sessionID, protocol.TypeHandRaised, protocol.HandEvent{
		UserID:      h.UserID,
		DisplayName: h.DisplayName,
		RaisedAt:    h.RaisedAt,
	})
	return h, nil
}

// LowerHand lowers a raised hand. userID == "" targets the actor's own hand;
// lowering someone else's requires the instructor role.
func (s *Service) LowerHand(ctx context.Context, actor auth.Identity, sessionID, userID string) error {
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && !actor.IsInstructor() {
		return errs.Forbidden("only instructors can lower another user's hand")
	}

	if err := s.hands.Lower(ctx, sessionID, userID); err != nil {
		return err
	}
	s.broadcastEvent(sessionID, protocol.TypeHandLowered, protocol.HandEvent{
		UserID:  userID,
		ActorID: actor.UserID,
	})
	return nil
}

// AcknowledgeHand records that the instructor called on a raised hand.
func (s *Service) AcknowledgeHand(ctx context.Context, actor auth.Identity, sessionID, userID string) (*presence.RaisedHand, error) {
	if !actor.IsInstructor() {
		return nil, errs.Forbidden("only instructors can acknowledge hands")
	}
	return s.hands.Acknowledge(ctx, sessionID, userID, actor.UserID)
}

// ListRaisedHands returns the session's active hands, first raised first.
func (s *Service) ListRaisedHands(ctx context.Context, sessionID string) ([]*presence.RaisedHand, error) {
	return s.hands.ListRaised(ctx, sessionID)
}

// SetTyping updates the actor's typing indicator and relays it to the room.
func (s *Service) SetTyping(_ context.Context, actor auth.Identity, sessionID string, typing bool) {
	s.typing.Set(sessionID, actor.UserID, typing)

	eventType := protocol.TypeTypingStop
	if typing {
		eventType = protocol.TypeTypingStart
	}
	s.broadcastEvent(sessionID, eventType, protocol.TypingEvent{UserID: actor.UserID})
}

// ListTyping returns the ids of users currently typing in the session.
func (s *Service) ListTyping(sessionID string) []string {
	return s.typing.List(sessionID)
}

// ListMessages returns the session transcript visible to the actor. since,
// when non-zero, skips messages created at or before that instant.
func (s *Service) ListMessages(ctx context.Context, actor auth.Identity, sessionID string, since time.Time) ([]*message.Message, error) {
	return s.messages.List(ctx, sessionID, actor.UserID, actor.Role, since)
}

// ExportTranscript renders the session transcript in the requested format.
// Instructor-only; tombstoned messages are included (flagged) for the audit
// trail.
func (s *Service) ExportTranscript(ctx context.Context, actor auth.Identity, sessionID, format string, includePrivate bool) ([]byte, string, error) {
	if !actor.IsInstructor() {
		return nil, "", errs.Forbidden("only instructors can export the transcript")
	}
	msgs, err := s.messages.ListAll(ctx, sessionID, includePrivate)
	if err != nil {
		return nil, "", errs.Wrap(errs.CodeInternal, "failed to load transcript", err)
	}
	return message.Export(msgs, format)
}

// broadcastMessage encodes the persisted message as its canonical event and
// routes it: public messages to the whole room, private ones to sender,
// recipient, and instructors.
func (s *Service) broadcastMessage(m *message.Message) {
	event := protocol.ChatMessageEvent{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		IsPrivate:  m.IsPrivate,
		Reactions:  m.ReactionCounts,
		Seq:        m.Seq,
		CreatedAt:  m.CreatedAt,
	}
	eventType := protocol.TypeChatMessage
	if m.IsPrivate && m.RecipientID != nil {
		event.RecipientID = *m.RecipientID
		eventType = protocol.TypePrivateMessage
	}

	data, err := protocol.NewServerMessage(eventType, event)
	if err != nil {
		log.Printf("[chat] encode message event: %v", err)
		return
	}

	start := time.Now()
	if m.IsPrivate && m.RecipientID != nil {
		s.cast.BroadcastPrivate(m.SessionID, m.SenderID, *m.RecipientID, data)
	} else {
		s.cast.Broadcast(m.SessionID, data)
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// broadcastEvent encodes and fans out a room-wide event.
func (s *Service) broadcastEvent(sessionID, eventType string, payload interface{}) {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		log.Printf("[chat] encode %s event: %v", eventType, err)
		return
	}
	s.cast.Broadcast(sessionID, data)
}
