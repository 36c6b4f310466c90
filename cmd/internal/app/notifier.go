package app

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"

	"concord/cmd/internal/engine"
)

const notifyQueueSize = 32

// DesktopNotifier displays engine notifications via the OS notification
// daemon. Delivery is best effort: a failed notification is logged and
// swallowed, never retried. The OS call can stall on a slow notification
// daemon, so delivery runs on a worker goroutine; Notify itself never
// blocks and drops when the queue is full.
type DesktopNotifier struct {
	log   *slog.Logger
	send  func(title, body string, sound bool) error
	queue chan engine.Notification
}

// NewDesktopNotifier wires the desktop notification backend. The worker
// lives for the rest of the process.
func NewDesktopNotifier(log *slog.Logger) *DesktopNotifier {
	if log == nil {
		log = slog.Default()
	}
	beeep.AppName = "Concord"
	n := &DesktopNotifier{
		log:   log,
		send:  beeepSend,
		queue: make(chan engine.Notification, notifyQueueSize),
	}
	go n.run()
	return n
}

func beeepSend(title, body string, sound bool) error {
	if sound {
		return beeep.Alert(title, body, "")
	}
	return beeep.Notify(title, body, "")
}

// Notify implements engine.Notifier. It must not block the caller, which is
// the stream-processing goroutine.
func (n *DesktopNotifier) Notify(note engine.Notification) {
	select {
	case n.queue <- note:
	default:
		n.log.Warn("notify.desktop.dropped", "room_id", note.RoomID)
	}
}

func (n *DesktopNotifier) run() {
	for note := range n.queue {
		n.deliver(note)
	}
}

func (n *DesktopNotifier) deliver(note engine.Notification) {
	title := note.SenderName
	if note.RoomName != "" && note.RoomName != note.SenderName {
		title = fmt.Sprintf("%s in %s", note.SenderName, note.RoomName)
	}

	if err := n.send(title, note.Body, note.Sound); err != nil {
		n.log.Warn("notify.desktop.fail", "room_id", note.RoomID, "err", err)
		return
	}
	n.log.Debug("notify.desktop.sent", "room_id", note.RoomID)
}
