package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/quikchat/broker/internal/protocol"
)

// readFrame reads one server frame from the client end of the pipe and
// decodes it as JSON.
func readFrame(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return decoded
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	d := NewDispatcher()
	conn, _ := newTestConnection(t, "c-1", 1)

	received := make(chan interface{}, 1)
	d.Register(protocol.TypeCancelFind, func(c *Connection, msg interface{}) {
		if c.ID != "c-1" {
			t.Errorf("handler got wrong connection: %s", c.ID)
		}
		received <- msg
	})

	d.Dispatch(conn, []byte(`{"type": "cancel_find"}`))

	select {
	case msg := <-received:
		if _, ok := msg.(protocol.CancelFindMsg); !ok {
			t.Errorf("expected CancelFindMsg, got %T", msg)
		}
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestDispatcher_BuiltinPing(t *testing.T) {
	d := NewDispatcher()
	conn, client := newTestConnection(t, "c-1", 1)

	go d.Dispatch(conn, []byte(`{"type": "ping"}`))

	frame := readFrame(t, client)
	if frame["type"] != protocol.TypePong {
		t.Errorf("expected pong, got %v", frame["type"])
	}
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := NewDispatcher()
	conn, client := newTestConnection(t, "c-1", 1)

	go d.Dispatch(conn, []byte(`{"type": "warp_drive"}`))

	frame := readFrame(t, client)
	if frame["type"] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", frame["type"])
	}
	if frame["code"] != "unsupported_type" {
		t.Errorf("expected code unsupported_type, got %v", frame["code"])
	}
}

func TestDispatcher_MalformedMessage(t *testing.T) {
	d := NewDispatcher()
	conn, client := newTestConnection(t, "c-1", 1)

	go d.Dispatch(conn, []byte(`{broken`))

	frame := readFrame(t, client)
	if frame["type"] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", frame["type"])
	}
	if frame["code"] != "parse_error" {
		t.Errorf("expected code parse_error, got %v", frame["code"])
	}
}
