package service

import (
	"context"

	"marketchat/internal/domain/entity"
)

// AttachmentVerifier checks that an attachment descriptor points at something the sender may share.
type AttachmentVerifier interface {
	VerifyAttachment(ctx context.Context, kind entity.MessageType, att *entity.Attachment) error
}
