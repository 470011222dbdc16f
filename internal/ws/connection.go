package ws

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"chatbloom/internal/models"

	"golang.org/x/sync/errgroup"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Connect(identity *models.Identity) *Session
	Disconnect(s *Session)
	Dispatch(ctx context.Context, s *Session, msg models.ClientMessage) (models.Ack, bool)
}

// Connection pumps one websocket: a reader, a dispatcher handling requests in
// arrival order, and a writer draining the session queue.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	session    *Session
	fromClient chan models.ClientMessage
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity *models.Identity,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		session:    hub.Connect(identity),
		fromClient: make(chan models.ClientMessage),
	}
}

func (c *Connection) Session() *Session {
	return c.session
}

func (c *Connection) Handle(ctx context.Context) error {
	defer c.hub.Disconnect(c.session)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		c.session.close()
		return c.ws.Close()
	})
	g.Go(func() error {
		defer close(c.fromClient)
		return c.pumpMessages(ctx)
	})
	g.Go(func() error {
		return c.dispatchLoop(ctx)
	})
	g.Go(func() error {
		return c.writeLoop(ctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isDecodeError(err) {
				return err
			}
			slog.Debug("malformed client message", "session", c.session.ID(), "error", err)
			if msg.AckID == 0 {
				continue
			}
			// An ack id was readable, so answer the request with its error.
			msg.Event = ""
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) dispatchLoop(ctx context.Context) error {
	for msg := range c.fromClient {
		ack, ok := c.hub.Dispatch(ctx, c.session, msg)
		if !ok {
			continue
		}
		err := c.session.send(ctx, models.ServerMessage{
			Event: models.ServerEventAck,
			AckID: msg.AckID,
			Data:  ack,
		})
		if err != nil {
			return cmp.Or(ctx.Err(), err)
		}
	}
	return nil
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.session.Outbound():
			if err := c.ws.WriteJSON(msg); err != nil {
				return cmp.Or(ctx.Err(), err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
