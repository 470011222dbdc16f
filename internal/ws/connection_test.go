package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbloom/internal/models"
)

type mockWS struct {
	readCh      chan any
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan any, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	select {
	case m.writeCh <- v:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

// ReadJSON hands out queued values. A models.ClientMessage is copied as is, a
// string is decoded as raw JSON, an error is returned.
func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case item := <-m.readCh:
		switch item := item.(type) {
		case models.ClientMessage:
			*(v.(*models.ClientMessage)) = item
			return nil
		case string:
			return json.Unmarshal([]byte(item), v)
		case error:
			return item
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	connectCh    chan *models.Identity
	disconnectCh chan *Session
	dispatchCh   chan models.ClientMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		connectCh:    make(chan *models.Identity, 10),
		disconnectCh: make(chan *Session, 10),
		dispatchCh:   make(chan models.ClientMessage, 10),
	}
}

func (m *mockHub) Connect(identity *models.Identity) *Session {
	m.connectCh <- identity
	return newSession(identity, 10)
}

func (m *mockHub) Disconnect(s *Session) {
	s.close()
	m.disconnectCh <- s
}

func (m *mockHub) Dispatch(_ context.Context, _ *Session, msg models.ClientMessage) (models.Ack, bool) {
	m.dispatchCh <- msg
	switch msg.Event {
	case models.ClientEventTyping:
		return models.Ack{}, false
	case "":
		return models.AckError(models.ErrValidation), true
	}
	return models.AckOK(), true
}

func expectWrite(t *testing.T, ws *mockWS) models.ServerMessage {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		msg, ok := v.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("WS did not receive a message")
	}
	return models.ServerMessage{}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	identity := &models.Identity{ID: "u1", Username: "alice"}

	conn := NewConnection(hub, ws, identity)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case got := <-hub.connectCh:
		if got != identity {
			t.Errorf("Expected Connect with %v, got %v", identity, got)
		}
	default:
		t.Error("Connect not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client -> Hub, answered with an ack carrying the request id.
	ws.readCh <- models.ClientMessage{
		Event: models.ClientEventSendMessage,
		AckID: 7,
		Data:  json.RawMessage(`{"room":"global","content":"hello"}`),
	}

	select {
	case received := <-hub.dispatchCh:
		if received.Event != models.ClientEventSendMessage || received.AckID != 7 {
			t.Errorf("Hub received wrong message: %+v", received)
		}
	case <-time.After(time.Second):
		t.Fatal("Hub did not receive dispatched message")
	}

	ack := expectWrite(t, ws)
	if ack.Event != models.ServerEventAck || ack.AckID != 7 {
		t.Errorf("expected ack for request 7, got %+v", ack)
	}

	// Server -> Client through the session queue.
	if !conn.Session().Deliver(models.ServerMessage{Event: models.ServerEventTyping}) {
		t.Fatal("Deliver rejected message")
	}
	if msg := expectWrite(t, ws); msg.Event != models.ServerEventTyping {
		t.Errorf("expected typing event, got %+v", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	select {
	case s := <-hub.disconnectCh:
		if s != conn.Session() {
			t.Errorf("Disconnect called with a foreign session")
		}
	default:
		t.Error("Disconnect not called")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if conn.Session().Deliver(models.ServerMessage{Event: models.ServerEventTyping}) {
		t.Error("closed session must not accept messages")
	}
}

func TestConnection_FireAndForget(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, &models.Identity{ID: "u1", Username: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- models.ClientMessage{Event: models.ClientEventTyping, AckID: 3}
	<-hub.dispatchCh

	select {
	case v := <-ws.writeCh:
		t.Errorf("expected no ack for typing, got %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_MalformedMessage(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- conn.Handle(ctx) }()

	// Broken JSON without a readable ack id is dropped.
	ws.readCh <- `{"event":`
	// A type error with a readable ack id is answered.
	ws.readCh <- `{"ackId":9,"event":42}`

	select {
	case msg := <-hub.dispatchCh:
		if msg.AckID != 9 {
			t.Errorf("expected request 9 to be dispatched, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("malformed request with ack id was not dispatched")
	}
	if ack := expectWrite(t, ws); ack.AckID != 9 {
		t.Errorf("expected ack for request 9, got %+v", ack)
	}

	// The connection survived both.
	ws.readCh <- models.ClientMessage{Event: models.ClientEventJoinRoom, AckID: 10}
	if ack := expectWrite(t, ws); ack.AckID != 10 {
		t.Errorf("expected ack for request 10, got %+v", ack)
	}

	select {
	case err := <-done:
		t.Fatalf("Handle returned early: %v", err)
	default:
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, nil)

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
	select {
	case <-hub.disconnectCh:
	default:
		t.Error("Disconnect not called for unauthenticated session")
	}
}
