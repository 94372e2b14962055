package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

const (
	publicHost        = "https://storage.googleapis.com/"
	maxAttachmentSize = 25 << 20
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// objectAttrs is the slice of the storage API the verifier reads.
type objectAttrs interface {
	Attrs(ctx context.Context, bucket, object string) (*storage.ObjectAttrs, error)
}

type gcsAttrs struct {
	client *storage.Client
}

func (g gcsAttrs) Attrs(ctx context.Context, bucket, object string) (*storage.ObjectAttrs, error) {
	return g.client.Bucket(bucket).Object(object).Attrs(ctx)
}

// CloudStorageClient issues upload URLs for chat attachments and verifies that a sent attachment exists in
// the bucket.
type CloudStorageClient struct {
	client     *storage.Client
	attrs      objectAttrs
	bucketName string
}

func NewCloudStorageClient(ctx context.Context, bucketName string, opts ...option.ClientOption) (*CloudStorageClient, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %v", err)
	}

	return &CloudStorageClient{
		client:     client,
		attrs:      gcsAttrs{client: client},
		bucketName: bucketName,
	}, nil
}

// ObjectName derives the object path of an attachment from its descriptor. Object wins over the URL.
func (c *CloudStorageClient) ObjectName(att *entity.Attachment) (string, bool) {
	if att.Object != "" {
		return att.Object, true
	}

	prefix := publicHost + c.bucketName + "/"
	if !strings.HasPrefix(att.URL, prefix) {
		return "", false
	}
	name, err := url.PathUnescape(strings.TrimPrefix(att.URL, prefix))
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// VerifyAttachment checks the object behind att and fills in its stored content type and size.
func (c *CloudStorageClient) VerifyAttachment(ctx context.Context, kind entity.MessageType, att *entity.Attachment) error {
	if err := checkDescriptor(kind, att); err != nil {
		return err
	}

	object, ok := c.ObjectName(att)
	if !ok {
		return errors.Validation("Attachment must be uploaded to the chat bucket", nil)
	}

	attrs, err := c.attrs.Attrs(ctx, c.bucketName, object)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return errors.Validation("Attachment does not exist", err)
		}
		return errors.Persistence("Failed to check attachment", err)
	}

	if kind == entity.MessageTypeImage && !strings.HasPrefix(attrs.ContentType, "image/") {
		return errors.Validation("Attachment is not an image", nil)
	}
	if attrs.Size > maxAttachmentSize {
		return errors.Validation("Attachment is too large", nil)
	}

	att.Object = object
	att.ContentType = attrs.ContentType
	att.Size = attrs.Size
	if att.Name == "" {
		att.Name = path.Base(object)
	}
	return nil
}

type UploadTicket struct {
	UploadURL   string    `json:"upload_url"`
	Object      string    `json:"object"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GenerateSignedUploadURL returns a short-lived PUT URL for an attachment of roomID.
func (c *CloudStorageClient) GenerateSignedUploadURL(ctx context.Context, roomID, contentType string) (*UploadTicket, error) {
	ext, ok := extensions[contentType]
	if !ok {
		ext = ".bin"
	}
	object := fmt.Sprintf("chats/%s/%s-%s%s", roomID, uuid.New().String(), time.Now().Format("20060102150405"), ext)
	expires := time.Now().Add(15 * time.Minute)

	signed, err := c.client.Bucket(c.bucketName).SignedURL(object, &storage.SignedURLOptions{
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     expires,
		Scheme:      storage.SigningSchemeV4,
	})
	if err != nil {
		return nil, errors.Internal("Failed to generate upload URL", err)
	}

	return &UploadTicket{
		UploadURL:   signed,
		Object:      object,
		URL:         publicHost + c.bucketName + "/" + object,
		ContentType: contentType,
		ExpiresAt:   expires,
	}, nil
}

func (c *CloudStorageClient) Close() error {
	return c.client.Close()
}

// URLVerifier accepts any well-formed http(s) attachment. It is used when no bucket is configured.
type URLVerifier struct{}

func (URLVerifier) VerifyAttachment(ctx context.Context, kind entity.MessageType, att *entity.Attachment) error {
	if err := checkDescriptor(kind, att); err != nil {
		return err
	}
	if kind == entity.MessageTypeImage && att.ContentType != "" && !strings.HasPrefix(att.ContentType, "image/") {
		return errors.Validation("Attachment is not an image", nil)
	}
	if att.Size > maxAttachmentSize {
		return errors.Validation("Attachment is too large", nil)
	}
	return nil
}

func checkDescriptor(kind entity.MessageType, att *entity.Attachment) error {
	if att == nil {
		return errors.Validation("attachment is required for "+string(kind)+" messages", nil)
	}
	u, err := url.Parse(att.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errors.Validation("attachment url must be an http(s) URL", err)
	}
	return nil
}
