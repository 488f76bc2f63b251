package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
)

// DownloadMedia fetches and decrypts the attachment of evt, stores it in
// the media store and returns the local path.
func (d *Driver) DownloadMedia(ctx context.Context, evt channels.RawEvent) (string, error) {
	downloadable, ok := evt.Ref.(whatsmeow.DownloadableMessage)
	if !ok || downloadable == nil {
		return "", channels.ErrNoMedia
	}
	if d.client == nil {
		return "", channels.ErrChannelLost
	}
	if d.media == nil {
		return "", fmt.Errorf("no media store configured")
	}

	data, err := d.client.Download(ctx, downloadable)
	if err != nil {
		return "", fmt.Errorf("downloading media: %w", err)
	}

	stored, err := d.media.Save(ctx, media.SaveRequest{
		Data:      data,
		Filename:  evt.FileName,
		MimeType:  evt.MimeType,
		Kind:      channels.Classify(evt.Kind),
		ChatID:    evt.ChatID,
		MessageID: evt.ID,
	})
	if err != nil {
		return "", fmt.Errorf("saving media: %w", err)
	}

	d.logger.Debug("whatsapp: media downloaded",
		"id", evt.ID, "kind", evt.Kind, "size", stored.Size)
	return stored.Path, nil
}
