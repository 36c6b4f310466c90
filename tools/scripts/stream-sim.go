// Package main provides a dev stream simulator for Concord.
//
// It serves the concord.stream.v1 WebSocket endpoint and replays a scripted
// room: state events, a few messages, an edit, a reaction, call membership,
// presence and typing. Point a concord daemon at it to exercise the full
// projection pipeline without a real homeserver:
//
//	CONCORD_USER_ID=@me:example.org CONCORD_STREAM_URL=ws://127.0.0.1:9000/stream concord serve
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
)

const subprotocol = "concord.stream.v1"

type wireEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type event struct {
	ID        string          `json:"event_id"`
	RoomID    string          `json:"room_id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	StateKey  *string         `json:"state_key,omitempty"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type envelope struct {
	Event     *event `json:"event"`
	Direction string `json:"direction"`
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:9000", "listen address")
		roomID   = flag.String("room", "!demo:example.org", "room ID to emit")
		sender   = flag.String("sender", "@alice:example.org", "message sender")
		interval = flag.Duration("interval", 2*time.Second, "delay between scripted events")
	)
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:       []string{subprotocol},
			InsecureSkipVerify: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

		fmt.Printf("client connected: %s\n", r.RemoteAddr)
		replay(r.Context(), conn, *roomID, *sender, *interval)
	})

	fmt.Printf("stream simulator listening on ws://%s/stream\n", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}

func replay(ctx context.Context, conn *websocket.Conn, roomID, sender string, interval time.Duration) {
	now := time.Now().UnixMilli()
	empty := ""
	me := sender

	script := []event{
		{ID: "$create", RoomID: roomID, Type: "m.room.create", Sender: sender, StateKey: &empty, Timestamp: now,
			Content: raw(`{}`)},
		{ID: "$name", RoomID: roomID, Type: "m.room.name", Sender: sender, StateKey: &empty, Timestamp: now + 1,
			Content: raw(`{"name":"demo room"}`)},
		{ID: "$member", RoomID: roomID, Type: "m.room.member", Sender: sender, StateKey: &me, Timestamp: now + 2,
			Content: raw(`{"membership":"join","displayname":"Alice"}`)},
		{ID: "$m1", RoomID: roomID, Type: "m.room.message", Sender: sender, Timestamp: now + 3,
			Content: raw(`{"msgtype":"m.text","body":"hello from the simulator"}`)},
		{ID: "$m2", RoomID: roomID, Type: "m.room.message", Sender: sender, Timestamp: now + 4,
			Content: raw(`{"msgtype":"m.text","body":"second message"}`)},
		{ID: "$edit", RoomID: roomID, Type: "m.room.message", Sender: sender, Timestamp: now + 5,
			Content: raw(`{"msgtype":"m.text","body":"* hello, edited","m.new_content":{"msgtype":"m.text","body":"hello, edited"},"m.relates_to":{"rel_type":"m.replace","event_id":"$m1"}}`)},
		{ID: "$react", RoomID: roomID, Type: "m.reaction", Sender: sender, Timestamp: now + 6,
			Content: raw(`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m2","key":"👍"}}`)},
		{ID: "$call", RoomID: roomID, Type: "m.call.member", Sender: sender, StateKey: strptr("_" + sender + "_DEVICE1"), Timestamp: now + 7,
			Content: raw(`{"m.calls":[{"m.call_id":"","m.devices":[{"device_id":"DEVICE1"}]}]}`)},
		{ID: "", RoomID: roomID, Type: "m.presence", Sender: sender, Timestamp: now + 8,
			Content: raw(`{"presence":"online","last_active_ago":1200}`)},
		{ID: "", RoomID: roomID, Type: "m.typing", Sender: sender, Timestamp: now + 9,
			Content: raw(`{"user_ids":["` + sender + `"]}`)},
	}

	for i := range script {
		if err := send(ctx, conn, &script[i]); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}

	// Keep the connection alive after the script so reconnect logic can be
	// observed by killing the process.
	i := 0
	for {
		i++
		evt := event{
			ID:        fmt.Sprintf("$tick-%d", i),
			RoomID:    roomID,
			Type:      "m.room.message",
			Sender:    sender,
			Timestamp: time.Now().UnixMilli(),
			Content:   raw(fmt.Sprintf(`{"msgtype":"m.text","body":"tick %d"}`, i)),
		}
		if err := send(ctx, conn, &evt); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, evt *event) error {
	payload, err := json.Marshal(envelope{Event: evt, Direction: "forward"})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wireEnvelope{V: 1, Type: "event", TS: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, frame)
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func strptr(s string) *string { return &s }
