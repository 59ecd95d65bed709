package tutor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// pushServer pipes frames written to the send channel into an accepted
// WebSocket connection.
func pushServer(t *testing.T, send <-chan string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reads fail once the client goes away; that is the exit signal.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.Read(r.Context()); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case frame := <-send:
				if err := conn.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
					return
				}
			case <-clientGone:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPushChannelDeliversInOrder(t *testing.T) {
	t.Parallel()

	send := make(chan string, 8)
	url := pushServer(t, send)

	ch := DialPush(context.Background(), url, nil)
	defer ch.Close()

	got := make(chan PushMessage, 8)
	unsubscribe := ch.Subscribe(func(msg PushMessage) { got <- msg })
	defer unsubscribe()

	send <- `{"type":"agent-response","seq":1,"data":{"text":"one"}}`
	send <- `{"type":"pong","seq":2}`
	send <- `{"type":"agent-response","seq":3,"data":{"text":"three"}}`

	var kinds []PushKind
	deadline := time.After(5 * time.Second)
	for len(kinds) < 3 {
		select {
		case msg := <-got:
			kinds = append(kinds, msg.Kind)
		case <-deadline:
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	want := []PushKind{PushAgentResponse, PushPong, PushAgentResponse}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("order violated: got %v, want %v", kinds, want)
		}
	}
}

func TestPushChannelDedupesBySeq(t *testing.T) {
	t.Parallel()

	send := make(chan string, 8)
	url := pushServer(t, send)

	ch := DialPush(context.Background(), url, nil)
	defer ch.Close()

	got := make(chan PushMessage, 8)
	unsubscribe := ch.Subscribe(func(msg PushMessage) { got <- msg })
	defer unsubscribe()

	send <- `{"type":"agent-response","seq":5,"data":{"text":"a"}}`
	send <- `{"type":"agent-response","seq":5,"data":{"text":"a"}}`
	send <- `{"type":"agent-response","seq":6,"data":{"text":"b"}}`

	var texts []string
	deadline := time.After(5 * time.Second)
	for len(texts) < 2 {
		select {
		case msg := <-got:
			texts = append(texts, msg.Output.Text)
		case <-deadline:
			t.Fatalf("timed out, got %v", texts)
		}
	}
	// No third delivery should follow.
	select {
	case msg := <-got:
		t.Fatalf("duplicate frame delivered: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
	if texts[0] != "a" || texts[1] != "b" {
		t.Fatalf("unexpected texts: %v", texts)
	}
}

func TestPushChannelConnectedFlag(t *testing.T) {
	t.Parallel()

	send := make(chan string)
	url := pushServer(t, send)

	ch := DialPush(context.Background(), url, nil)
	defer ch.Close()

	deadline := time.After(5 * time.Second)
	for !ch.Connected() {
		select {
		case <-deadline:
			t.Fatal("channel never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ch.Close()
	if ch.Connected() {
		t.Fatal("closed channel must not report connected")
	}
}

func TestPushChannelCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	send := make(chan string)
	url := pushServer(t, send)

	ch := DialPush(context.Background(), url, nil)
	ch.Close()
	ch.Close()

	unsubscribe := ch.Subscribe(func(PushMessage) {})
	unsubscribe()
}
