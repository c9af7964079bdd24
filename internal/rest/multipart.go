package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
)

// buildMultipart assembles the outgoing multipart body: plain form fields
// first, then each attachment fetched from its source URL into memory. A
// fetch failure for any one attachment aborts the whole call; there is no
// partial submission.
func (e *Executor) buildMultipart(ctx context.Context, d Descriptor) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range d.Form {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing form field %q: %w", k, err)
		}
	}

	for _, f := range d.Files {
		data, err := e.fetchAttachment(ctx, f.URL)
		if err != nil {
			return nil, "", err
		}
		part, err := w.CreatePart(partHeader(f))
		if err != nil {
			return nil, "", fmt.Errorf("creating multipart part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("writing multipart part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func partHeader(f FileSpec) textproto.MIMEHeader {
	field := f.Field
	if field == "" {
		field = "file"
	}
	name := f.Name
	if name == "" {
		name = filenameFromURL(f.URL)
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	if f.MimeType != "" {
		h.Set("Content-Type", f.MimeType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	return h
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return "attachment"
	}
	return path.Base(u.Path)
}

// fetchAttachment downloads one attachment into memory, bounded by the
// configured fetch timeout.
func (e *Executor) fetchAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &AttachmentError{URL: rawURL, Err: err}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &AttachmentError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &AttachmentError{URL: rawURL, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AttachmentError{URL: rawURL, Err: err}
	}
	return data, nil
}
