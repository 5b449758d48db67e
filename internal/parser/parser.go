// Package parser decodes raw RFC 5322 message bytes into structured,
// content-addressed records. Input is untrusted: any single decoding
// failure degrades that field rather than failing the whole parse, and
// only total structural failure yields an error.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/mailgraph/internal/model"
)

// syntheticDomain tags Message-IDs we had to invent ourselves.
const syntheticDomain = "mailgraph.local"

var (
	msgIDPattern = regexp.MustCompile(`<([^<>]+)>`)

	wordDecoder = mime.WordDecoder{
		CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
			r, err := charset.Reader(cs, input)
			if err != nil {
				// Unknown charset: pass the raw bytes through rather
				// than aborting the header decode.
				return input, nil
			}
			return r, nil
		},
	}
)

// Parse converts raw message bytes into a ParsedMessage. It returns an
// error only when nothing at all can be extracted; the caller should drop
// the message and count it, never crash.
func Parse(raw []byte) (*model.ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	msg := &model.ParsedMessage{}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		mr = nil
	}

	if mr != nil {
		header := mr.Header
		msg.Subject = decodeHeader(header.Get("Subject"))
		msg.From = firstAddress(parseAddressList(header.Get("From")))
		msg.To = parseAddressList(header.Get("To"))
		msg.Cc = parseAddressList(header.Get("Cc"))
		if date, err := header.Date(); err == nil {
			msg.Date = date
		}
		msg.MessageID = extractMessageID(header.Get("Message-Id"))
		msg.InReplyTo = firstBracketedToken(header.Get("In-Reply-To"))
		msg.References = bracketedTokens(header.Get("References"))
		extractBodies(mr, msg)
	} else {
		// Structurally broken MIME; fall back to a bare header read so a
		// single malformed message still yields a record.
		parsed, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unparseable message: %w", err)
		}
		msg.Subject = decodeHeader(parsed.Header.Get("Subject"))
		msg.From = firstAddress(parseAddressList(parsed.Header.Get("From")))
		msg.To = parseAddressList(parsed.Header.Get("To"))
		msg.Cc = parseAddressList(parsed.Header.Get("Cc"))
		if date, err := parsed.Header.Date(); err == nil {
			msg.Date = date
		}
		msg.MessageID = extractMessageID(parsed.Header.Get("Message-Id"))
		msg.InReplyTo = firstBracketedToken(parsed.Header.Get("In-Reply-To"))
		msg.References = bracketedTokens(parsed.Header.Get("References"))
		if body, err := io.ReadAll(parsed.Body); err == nil {
			msg.BodyPlain = strings.TrimSpace(string(body))
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = synthesizeMessageID(raw)
	}

	// Prefer the plain part; when only HTML arrived, a tag-stripped
	// rendering stands in so the message still carries searchable text.
	if msg.BodyPlain == "" && msg.BodyHTML != "" {
		msg.BodyPlain = StripHTML(msg.BodyHTML)
	}

	msg.ContentHash = ContentHash(msg.MessageID, msg.Subject, msg.BodyPlain)
	msg.ThreadID = threadID(msg)

	return msg, nil
}

// ContentHash is the idempotency key the ingestion sink relies on: a
// cryptographic digest over exactly the three canonical fields, so
// unrelated byte-level differences never change a message's identity.
func ContentHash(messageID, subject, bodyPlain string) string {
	h := sha256.New()
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(bodyPlain))
	return hex.EncodeToString(h.Sum(nil))
}

// threadID derives the conversation key: the oldest References entry,
// else In-Reply-To, else the message's own ID (a root is its own thread).
func threadID(msg *model.ParsedMessage) string {
	if len(msg.References) > 0 {
		return msg.References[0]
	}
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	return msg.MessageID
}

// extractBodies walks the MIME parts, preferring the first text/plain
// part and keeping the first text/html part. Parts flagged as attachments
// are skipped entirely so their bytes never leak into the body. A failed
// walk leaves the bodies empty; it is not a parse failure.
func extractBodies(mr *gomail.Reader, msg *model.ParsedMessage) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return
		}

		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			// Attachment part.
			continue
		}

		contentType, _, _ := header.ContentType()
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			if msg.BodyPlain != "" {
				continue
			}
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.BodyPlain = strings.TrimSpace(string(body))
			}
		case strings.HasPrefix(contentType, "text/html"):
			if msg.BodyHTML != "" {
				continue
			}
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.BodyHTML = strings.TrimSpace(string(body))
			}
		}
	}
}

// decodeHeader decodes RFC 2047 encoded words, falling back to the raw
// value when the encoding or charset is broken.
func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

// extractMessageID pulls the bare ID out of a Message-Id header value,
// tolerating missing angle brackets.
func extractMessageID(value string) string {
	if token := firstBracketedToken(value); token != "" {
		return token
	}
	return strings.TrimSpace(value)
}

// synthesizeMessageID builds a deterministic stand-in ID from a digest of
// the raw bytes, tagged so downstream consumers can tell it was invented.
func synthesizeMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("synthetic-%s@%s", hex.EncodeToString(sum[:])[:32], syntheticDomain)
}

// firstBracketedToken returns the first <...> token in value, or "".
func firstBracketedToken(value string) string {
	tokens := bracketedTokens(value)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

// bracketedTokens returns every <...> token in value in header order.
func bracketedTokens(value string) []string {
	matches := msgIDPattern.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, strings.TrimSpace(m[1]))
	}
	return tokens
}

func firstAddress(addrs []model.EmailAddress) model.EmailAddress {
	if len(addrs) == 0 {
		return model.EmailAddress{}
	}
	return addrs[0]
}
