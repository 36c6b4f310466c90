package engine

import (
	"concord/cmd/internal/protocol"
)

// ProjectMessage converts a raw timeline event plus its relation-index entries
// into a Message view. It is a pure function of its inputs: no hidden state,
// trivially testable.
//
// Resolution order:
//  1. edit: the most recently arrived replacement's m.new_content wins when
//     present, otherwise the original content stands (but edited is set);
//  2. redaction: clears both bodies and overrides edit resolution;
//  3. decryption failure: a distinguished kind, never an error.
func ProjectMessage(evt *protocol.Event, rels *RelationIndex, res Resolver) Message {
	profile := res.Profile(evt.Sender)
	senderName := profile.DisplayName
	if senderName == "" {
		senderName = evt.Sender
	}

	msg := Message{
		EventID:      evt.ID,
		RoomID:       evt.RoomID,
		SenderID:     evt.Sender,
		SenderName:   senderName,
		SenderAvatar: profile.AvatarURL,
		Timestamp:    evt.Timestamp,
		Kind:         protocol.MsgText,
	}

	content, _ := protocol.DecodeMessage(evt.Content)
	msg.Body = content.Body
	msg.FormattedBody = content.FormattedBody
	if content.MsgType != "" {
		msg.Kind = content.MsgType
	}

	if rep := rels.LatestReplacement(evt.ID); rep != nil {
		msg.Edited = true
		if repContent, ok := protocol.DecodeMessage(rep.Content); ok && repContent.NewContent != nil {
			msg.Body = repContent.NewContent.Body
			msg.FormattedBody = repContent.NewContent.FormattedBody
			if repContent.NewContent.MsgType != "" {
				msg.Kind = repContent.NewContent.MsgType
			}
		}
	}

	if evt.DecryptionFailed || evt.Type == protocol.TypeEncrypted {
		msg.DecryptionFailed = true
		msg.Kind = KindUndecryptable
		msg.Body = ""
		msg.FormattedBody = ""
	}

	if rels.IsRedacted(evt.ID) {
		msg.Redacted = true
		msg.Body = ""
		msg.FormattedBody = ""
	}

	msg.Reactions = rels.Reactions(evt.ID)
	msg.Thread = rels.Thread(evt.ID)

	// Reply preview is best-effort: an unknown target is silently omitted.
	if targetID, ok := protocol.ReplyTarget(evt); ok {
		if target := res.LookupEvent(targetID); target != nil {
			tProfile := res.Profile(target.Sender)
			tName := tProfile.DisplayName
			if tName == "" {
				tName = target.Sender
			}
			tContent, _ := protocol.DecodeMessage(target.Content)
			msg.ReplyTo = &ReplyPreview{
				EventID:    target.ID,
				SenderID:   target.Sender,
				SenderName: tName,
				Body:       truncate(tContent.Body, previewMaxChars),
			}
		}
	}

	return msg
}
