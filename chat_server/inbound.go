package chatserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/macwilko/wikid-realtime/events"
)

// HandleInbound processes one event sent by conn, whichever transport
// carried it. Errors are *events.ProtocolError; the caller reports them
// and keeps the connection.
func (s *Server) HandleInbound(ctx context.Context, conn *Connection, env events.Envelope) error {
	conn.Touch(s.now())

	err := s.handleInbound(ctx, conn, env)
	s.observeInbound(env, err)

	return err
}

func (s *Server) handleInbound(ctx context.Context, conn *Connection, env events.Envelope) error {
	if !env.Type.ClientOriginated() {
		return &events.ProtocolError{Kind: env.Type, Reason: "not accepted from clients"}
	}

	switch p := env.Payload.(type) {
	case events.UserTypingPayload:
		if p.PostID == "" {
			return &events.ProtocolError{Kind: env.Type, Reason: "missing postId"}
		}

		s.Typing.Start(ctx, conn, p.PostID)

	case events.UserStoppedTypingPayload:
		if p.PostID == "" {
			return &events.ProtocolError{Kind: env.Type, Reason: "missing postId"}
		}

		s.Typing.Stop(ctx, conn, p.PostID)

	case events.SyncRequestPayload:
		for _, room := range p.Rooms {
			if !events.IsPostRoom(room) {
				continue
			}

			if err := s.Registry.JoinRoom(conn.ID, room); err != nil {
				return err
			}
		}

		s.Router.Send(conn, events.NewAt(s.Snapshot(conn), s.now()))

	case events.HeartbeatPayload:
		s.Router.Send(conn, events.NewAt(events.HeartbeatPayload{Seq: p.Seq}, s.now()))

	case events.RoomJoinPayload:
		if !events.IsPostRoom(p.Room) {
			return &events.ProtocolError{Kind: env.Type, Reason: "room can't be joined by clients"}
		}

		return s.Registry.JoinRoom(conn.ID, p.Room)

	case events.RoomLeavePayload:
		if !events.IsPostRoom(p.Room) {
			return &events.ProtocolError{Kind: env.Type, Reason: "room can't be left by clients"}
		}

		return s.Registry.LeaveRoom(conn.ID, p.Room)

	case events.NotificationReadPayload:
		p.UserID = conn.UserID
		s.Router.ToUser(ctx, conn.UserID, events.NewAt(p, env.Timestamp))

	default:
		return &events.ProtocolError{Kind: env.Type, Reason: "unhandled event"}
	}

	return nil
}

// Reject reports a protocol error to conn and logs it.
func (s *Server) Reject(conn *Connection, err error) {
	code := events.CodeProtocol

	var perr *events.ProtocolError
	if !errors.As(err, &perr) {
		code = events.CodeInternal
	}

	s.logger.Warn("💀 Dropping inbound event",
		slog.String("connID", conn.ID),
		slog.String("userID", conn.UserID),
		slog.String("error", err.Error()))

	s.Router.Send(conn, events.NewAt(events.ErrorPayload{Code: code, Message: err.Error()}, s.now()))
}

func (s *Server) observeInbound(env events.Envelope, err error) {
	outcome := "ok"

	if err != nil {
		outcome = "rejected"
	}

	s.Metrics.Inbound.WithLabelValues(env.Type.String(), outcome).Inc()
}
