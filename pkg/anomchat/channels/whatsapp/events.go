// Package whatsapp – events.go processes whatsmeow events and converts
// inbound messages into channels.RawEvent values for the unread buffer.
package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

// ConnectionState represents the transport connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the main whatsmeow event dispatcher.
func (d *Driver) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		d.handleMessageEvt(evt)

	case *events.Connected:
		d.connected.Store(true)
		d.setState(StateConnected)
		d.errorCount.Store(0)
		d.setQR("")
		d.UpdateLastActivity()
		d.logger.Info("whatsapp: connected", "jid", d.clientJID())

	case *events.Disconnected:
		d.markLost(StateDisconnected, "connection_lost")

	case *events.StreamReplaced:
		d.markLost(StateDisconnected, "stream_replaced")

	case *events.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		d.logger.Error("whatsapp: logged out, QR pairing required on next open",
			"reason", reason, "on_connect", evt.OnConnect)
		d.markLost(StateDisconnected, "logged_out")

	case *events.TemporaryBan:
		d.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		d.markLost(StateBanned, "temporary_ban")

	case *events.KeepAliveTimeout:
		d.errorCount.Add(1)
		d.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		// Half-open sockets look connected but are dead.
		if evt.ErrorCount >= 3 {
			d.markLost(StateDisconnected, "keepalive_failed")
		}

	case *events.KeepAliveRestored:
		d.logger.Info("whatsapp: keep-alive restored")
		d.errorCount.Store(0)

	case *events.ConnectFailure:
		d.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(),
			"message", evt.Message,
			"permanent", evt.PermanentDisconnectDescription())
		d.markLost(StateDisconnected, "connect_failure")

	case *events.StreamError:
		d.logger.Error("whatsapp: stream error", "code", evt.Code)
		if evt.Code == "540" || evt.Code == "541" || evt.Code == "503" {
			d.markLost(StateDisconnected, "stream_error")
		}

	case *events.PairSuccess:
		d.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform, "business", evt.BusinessName)

	case *events.HistorySync:
		d.logger.Debug("whatsapp: history sync received")
	}
}

// markLost flags the transport as not live. The session manager observes
// this through IsLive and runs its reconnection procedure.
func (d *Driver) markLost(state ConnectionState, reason string) {
	was := d.connected.Swap(false)
	d.setState(state)
	if was {
		d.logger.Warn("whatsapp: connection lost", "reason", reason)
	}
}

// handleMessageEvt converts an inbound message into a RawEvent.
func (d *Driver) handleMessageEvt(evt *events.Message) {
	d.UpdateLastActivity()

	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	chatJID := evt.Info.Chat
	chatID := chatJID.String()
	if chatJID.Server == types.HiddenUserServer && d.client != nil && d.client.Store != nil {
		if alt, err := d.client.Store.GetAltJID(d.ctx, chatJID); err == nil && !alt.IsEmpty() {
			chatID = alt.String()
		}
	}

	raw := channels.RawEvent{
		ID:         string(evt.Info.ID),
		ChatID:     chatID,
		SenderName: evt.Info.PushName,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp,
	}
	if !extractMessageContent(evt.Message, &raw) {
		d.logger.Debug("whatsapp: ignoring unsupported message", "id", raw.ID)
		return
	}

	if d.cfg.AutoRead && !raw.IsGroup {
		go d.markRead(evt.Info.Chat, evt.Info.Sender, evt.Info.ID)
	}

	d.emitEvent(raw)
}

// extractMessageContent fills kind, text and media handle from a WhatsApp
// message. It returns false for protocol messages with nothing to ingest.
func extractMessageContent(msg *waE2E.Message, raw *channels.RawEvent) bool {
	if msg == nil {
		return false
	}

	switch {
	case msg.Conversation != nil:
		raw.Kind = channels.KindText
		raw.Text = msg.GetConversation()

	case msg.ExtendedTextMessage != nil:
		raw.Kind = channels.KindExtendedText
		raw.Text = msg.GetExtendedTextMessage().GetText()

	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		raw.Kind = channels.KindImage
		raw.Text = img.GetCaption()
		raw.MimeType = img.GetMimetype()
		raw.Ref = img

	case msg.StickerMessage != nil:
		sticker := msg.GetStickerMessage()
		raw.Kind = channels.KindSticker
		raw.MimeType = sticker.GetMimetype()
		raw.Ref = sticker

	case msg.AudioMessage != nil:
		audio := msg.GetAudioMessage()
		raw.Kind = channels.KindAudio
		if audio.GetPTT() {
			raw.Kind = channels.KindVoice
		}
		raw.MimeType = audio.GetMimetype()
		raw.Ref = audio

	case msg.VideoMessage != nil:
		video := msg.GetVideoMessage()
		raw.Kind = channels.KindVideo
		if video.GetGifPlayback() {
			raw.Kind = channels.KindGIF
		}
		raw.Text = video.GetCaption()
		raw.MimeType = video.GetMimetype()
		raw.Ref = video

	case msg.DocumentMessage != nil:
		doc := msg.GetDocumentMessage()
		raw.Kind = channels.KindDocument
		raw.Text = doc.GetCaption()
		raw.MimeType = doc.GetMimetype()
		raw.FileName = doc.GetFileName()
		raw.Ref = doc

	case msg.LocationMessage != nil:
		loc := msg.GetLocationMessage()
		raw.Kind = channels.KindLocation
		raw.Text = fmt.Sprintf("[location: %.6f, %.6f]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case msg.ContactMessage != nil:
		raw.Kind = channels.KindContact
		raw.Text = fmt.Sprintf("[contact: %s]", msg.GetContactMessage().GetDisplayName())

	default:
		return false
	}
	return true
}

// parseJID converts a string JID to types.JID.
// Accepts formats: "5511999999999" or "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
