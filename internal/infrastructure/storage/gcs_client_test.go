package storage

import (
	"context"
	stderrors "errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

type fakeAttrs map[string]*storage.ObjectAttrs

func (f fakeAttrs) Attrs(ctx context.Context, bucket, object string) (*storage.ObjectAttrs, error) {
	if object == "broken" {
		return nil, stderrors.New("connection reset")
	}
	attrs, ok := f[bucket+"/"+object]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return attrs, nil
}

func testClient() *CloudStorageClient {
	return &CloudStorageClient{
		bucketName: "chat-bucket",
		attrs: fakeAttrs{
			"chat-bucket/chats/r1/photo.png": {ContentType: "image/png", Size: 1024},
			"chat-bucket/chats/r1/terms.pdf": {ContentType: "application/pdf", Size: 2048},
			"chat-bucket/chats/r1/huge.png":  {ContentType: "image/png", Size: maxAttachmentSize + 1},
		},
	}
}

func TestObjectName(t *testing.T) {
	c := testClient()

	name, ok := c.ObjectName(&entity.Attachment{URL: "https://storage.googleapis.com/chat-bucket/chats/r1/photo%20one.png"})
	assert.True(t, ok)
	assert.Equal(t, "chats/r1/photo one.png", name)

	name, ok = c.ObjectName(&entity.Attachment{URL: "https://elsewhere.example.com/x.png", Object: "chats/r1/x.png"})
	assert.True(t, ok)
	assert.Equal(t, "chats/r1/x.png", name)

	_, ok = c.ObjectName(&entity.Attachment{URL: "https://storage.googleapis.com/other-bucket/x.png"})
	assert.False(t, ok)
}

func TestCloudStorageClient_VerifyAttachment(t *testing.T) {
	c := testClient()
	ctx := context.Background()

	att := &entity.Attachment{URL: "https://storage.googleapis.com/chat-bucket/chats/r1/photo.png"}
	require.NoError(t, c.VerifyAttachment(ctx, entity.MessageTypeImage, att))
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, int64(1024), att.Size)
	assert.Equal(t, "photo.png", att.Name)
	assert.Equal(t, "chats/r1/photo.png", att.Object)

	pdf := &entity.Attachment{URL: "https://storage.googleapis.com/chat-bucket/chats/r1/terms.pdf", Name: "Terms"}
	require.NoError(t, c.VerifyAttachment(ctx, entity.MessageTypeFile, pdf))
	assert.Equal(t, "Terms", pdf.Name)

	tests := []struct {
		name     string
		kind     entity.MessageType
		url      string
		wantCode string
	}{
		{"pdf sent as image", entity.MessageTypeImage, "https://storage.googleapis.com/chat-bucket/chats/r1/terms.pdf", errors.CodeValidation},
		{"missing object", entity.MessageTypeImage, "https://storage.googleapis.com/chat-bucket/chats/r1/nope.png", errors.CodeValidation},
		{"too large", entity.MessageTypeImage, "https://storage.googleapis.com/chat-bucket/chats/r1/huge.png", errors.CodeValidation},
		{"foreign url", entity.MessageTypeFile, "https://example.com/terms.pdf", errors.CodeValidation},
		{"not a url", entity.MessageTypeFile, "terms.pdf", errors.CodeValidation},
		{"storage failure", entity.MessageTypeFile, "https://storage.googleapis.com/chat-bucket/broken", errors.CodePersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.VerifyAttachment(ctx, tt.kind, &entity.Attachment{URL: tt.url})
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}

func TestURLVerifier(t *testing.T) {
	v := URLVerifier{}
	ctx := context.Background()

	assert.NoError(t, v.VerifyAttachment(ctx, entity.MessageTypeImage, &entity.Attachment{URL: "https://cdn.example.com/a.png"}))
	assert.NoError(t, v.VerifyAttachment(ctx, entity.MessageTypeFile, &entity.Attachment{URL: "http://cdn.example.com/a.zip", ContentType: "application/zip"}))

	assert.Error(t, v.VerifyAttachment(ctx, entity.MessageTypeImage, nil))
	assert.Error(t, v.VerifyAttachment(ctx, entity.MessageTypeImage, &entity.Attachment{URL: "javascript:alert(1)"}))
	assert.Error(t, v.VerifyAttachment(ctx, entity.MessageTypeImage, &entity.Attachment{URL: "https://cdn.example.com/a.zip", ContentType: "application/zip"}))
	assert.Error(t, v.VerifyAttachment(ctx, entity.MessageTypeFile, &entity.Attachment{URL: "https://cdn.example.com/a.zip", Size: maxAttachmentSize + 1}))
}
