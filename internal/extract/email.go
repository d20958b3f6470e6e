package extract

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"
)

// extractEmail parses an RFC 822 message, keeping the text/plain body
// and lifting the addressing headers into metadata so search hits on
// "from alice" work without the body mentioning her.
func extractEmail(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return Result{}, fmt.Errorf("parsing %s: %w", path, ErrCorruptInput)
	}

	meta := map[string]string{}
	for _, h := range []string{"Subject", "From", "To", "Date"} {
		if v := decodeHeader(msg.Header.Get(h)); v != "" {
			meta[strings.ToLower(h)] = v
		}
	}

	body, err := emailBody(msg)
	if err != nil {
		return Result{}, fmt.Errorf("reading body of %s: %w", path, ErrCorruptInput)
	}

	var text strings.Builder
	for _, h := range [][2]string{{"from", "From"}, {"to", "To"}, {"date", "Date"}, {"subject", "Subject"}} {
		if v := meta[h[0]]; v != "" {
			fmt.Fprintf(&text, "%s: %s\n", h[1], v)
		}
	}
	text.WriteString("\n")
	text.WriteString(body)

	return Result{
		Text:        strings.TrimSpace(text.String()),
		ContentType: TypeEmail,
		Metadata:    meta,
	}, nil
}

// decodeHeader decodes RFC 2047 encoded-words, returning the raw header
// when decoding fails.
func decodeHeader(header string) string {
	if header == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		return header
	}
	return decoded
}

// emailBody collects the text/plain parts of a message.
func emailBody(msg *mail.Message) (string, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		data, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return "", readErr
		}
		return string(data), nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartBody(msg.Body, params["boundary"])
	}

	data, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func multipartBody(r io.Reader, boundary string) (string, error) {
	if boundary == "" {
		return "", nil
	}

	mr := multipart.NewReader(r, boundary)
	var parts []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		mediaType, params, parseErr := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if parseErr != nil {
			part.Close()
			continue
		}

		switch {
		case mediaType == "text/plain":
			data, readErr := io.ReadAll(part)
			if readErr == nil {
				parts = append(parts, strings.TrimSpace(string(data)))
			}
		case strings.HasPrefix(mediaType, "multipart/"):
			nested, nestedErr := multipartBody(part, params["boundary"])
			if nestedErr == nil && nested != "" {
				parts = append(parts, nested)
			}
		}
		part.Close()
	}
	return strings.Join(parts, "\n"), nil
}

// readVerbatim returns a text file's content unchanged.
func readVerbatim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
