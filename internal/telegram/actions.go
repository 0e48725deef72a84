package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

func (c *mtClient) updateProfilePhoto(ctx context.Context, photoPath string) error {
	up := uploader.NewUploader(c.api)
	file, err := up.FromPath(ctx, photoPath)
	if err != nil {
		return fmt.Errorf("upload photo: %w", err)
	}

	req := &tg.PhotosUploadProfilePhotoRequest{}
	req.SetFile(file)
	if _, err := c.api.PhotosUploadProfilePhoto(ctx, req); err != nil {
		return fmt.Errorf("set profile photo: %w", err)
	}

	c.log.Info().Msg("profile photo updated")
	return nil
}

func (c *mtClient) updateBio(ctx context.Context, bio string) error {
	req := &tg.AccountUpdateProfileRequest{}
	req.SetAbout(bio)
	if _, err := c.api.AccountUpdateProfile(ctx, req); err != nil {
		return fmt.Errorf("update bio: %w", err)
	}

	c.log.Info().Msg("bio updated")
	return nil
}

func (c *mtClient) updateUsername(ctx context.Context, username string) error {
	if _, err := c.api.AccountUpdateUsername(ctx, username); err != nil {
		return fmt.Errorf("update username: %w", err)
	}

	c.log.Info().Str("username", username).Msg("username updated")
	return nil
}

func (c *mtClient) sendMessage(ctx context.Context, text string, peers []string) error {
	sender := message.NewSender(c.api)
	for _, peer := range peers {
		if _, err := sender.Resolve(peer).Text(ctx, text); err != nil {
			return fmt.Errorf("send message to %s: %w", peer, err)
		}
		c.log.Info().Str("peer", peer).Msg("message sent")
	}
	return nil
}

func (c *mtClient) sendMedia(ctx context.Context, mediaPath string, peers []string) error {
	up := uploader.NewUploader(c.api)
	sender := message.NewSender(c.api).WithUploader(up)

	file, err := up.FromPath(ctx, mediaPath)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	document := message.UploadedDocument(file)
	for _, peer := range peers {
		if _, err := sender.Resolve(peer).Media(ctx, document); err != nil {
			return fmt.Errorf("send media to %s: %w", peer, err)
		}
		c.log.Info().Str("peer", peer).Msg("media sent")
	}
	return nil
}
