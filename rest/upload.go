package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"

	"medichat/transport"
)

// UploadRequest describes one attachment transfer.
type UploadRequest struct {
	ConversationID string
	// LocalPath is the file to transfer. The file is re-read on every
	// attempt, so retries work as long as the path is still valid.
	LocalPath string
	// Caption becomes the message body. Optional.
	Caption string
	// CorrelationID is the client-side provisional message id, echoed back
	// by the server in the created message.
	CorrelationID string
	// Kind is the message kind, image or file.
	Kind string
}

// UploadAttachment performs a multipart transfer and returns the persisted
// message the server created for it, including server id and remote locator.
// Failures come back as the typed error set (ErrUnauthorized,
// ErrPayloadTooLarge, ErrServer, ErrNetwork).
func (c *Client) UploadAttachment(ctx context.Context, upload UploadRequest) (transport.ServerMessage, error) {
	if upload.ConversationID == "" {
		return transport.ServerMessage{}, errors.New("conversation ID is required")
	}
	if upload.LocalPath == "" {
		return transport.ServerMessage{}, errors.New("local file path is required")
	}

	file, err := os.Open(upload.LocalPath)
	if err != nil {
		return transport.ServerMessage{}, fmt.Errorf("open attachment file: %w", err)
	}
	defer file.Close()

	endpoint := fmt.Sprintf("%s/conversations/%s/attachments", c.baseURL, url.PathEscape(upload.ConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return transport.ServerMessage{}, fmt.Errorf("build upload request: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return transport.ServerMessage{}, err
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadBody(writer, file, upload))
	}()
	req.Body = pr
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.ServerMessage{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return transport.ServerMessage{}, fmt.Errorf("upload to %s: %w", upload.ConversationID, statusError(resp.StatusCode))
	}

	var created transport.ServerMessage
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return transport.ServerMessage{}, fmt.Errorf("decode upload response: %w", err)
	}

	return created, nil
}

func writeUploadBody(writer *multipart.Writer, file *os.File, upload UploadRequest) error {
	fields := map[string]string{
		"conversation_id": upload.ConversationID,
		"caption":         upload.Caption,
		"correlation_id":  upload.CorrelationID,
		"kind":            upload.Kind,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("write %s field: %w", name, err)
		}
	}

	filename := filepath.Base(file.Name())
	part, err := writer.CreatePart(fileHeader(filename))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("stream attachment content: %w", err)
	}

	return writer.Close()
}

func fileHeader(filename string) textproto.MIMEHeader {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	return header
}
