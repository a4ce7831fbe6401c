// ABOUTME: Normalizes a Gmail message into email entity attributes
// ABOUTME: Parses address headers, dates, label flags, and the preferred plain/HTML body
package sync

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/harperreed/crmsync/models"
)

// Gmail system labels decoded into flags.
const (
	labelUnread    = "UNREAD"
	labelStarred   = "STARRED"
	labelDraft     = "DRAFT"
	labelSent      = "SENT"
	labelImportant = "IMPORTANT"
	labelSpam      = "SPAM"
	labelTrash     = "TRASH"
)

var (
	markupTag     = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	scriptTag     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTag       = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlComments  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockElements = regexp.MustCompile(`(?i)</?(p|div|br|hr|h[1-6]|li|tr|blockquote|pre|table)\s*/?>`)
	allTags       = regexp.MustCompile(`<[^>]+>`)
	multiSpaces   = regexp.MustCompile(`[ \t]+`)
)

// messageAttributes converts a provider message into email attributes.
func messageAttributes(msg *gmail.Message) (map[string]any, error) {
	if msg == nil || msg.Id == "" {
		return nil, fmt.Errorf("%w: message without id", ErrParse)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", ErrParse, msg.Id)
	}

	headers := parseHeaders(msg.Payload)

	plain, htmlBody, err := extractBody(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s: %v", ErrParse, msg.Id, err)
	}
	body := plain
	if body == "" && htmlBody != "" {
		body = stripHTML(htmlBody)
	}

	attrs := map[string]any{
		models.AttrMessageID:  msg.Id,
		models.AttrExternalID: msg.Id,
		models.AttrThreadID:   msg.ThreadId,
		models.AttrSubject:    headers["subject"],
		models.AttrSnippet:    html.UnescapeString(msg.Snippet),
		models.AttrBody:       body,
		models.AttrFrom:       addressValue(parseAddress(headers["from"])),
		models.AttrTo:         addressList(headers["to"]),
		models.AttrCc:         addressList(headers["cc"]),
		models.AttrDate:       models.FormatTime(messageDate(headers["date"], msg.InternalDate)),
	}
	if htmlBody != "" {
		attrs[models.AttrBodyHTML] = htmlBody
	}

	for key, value := range labelFlags(msg.LabelIds) {
		attrs[key] = value
	}

	return attrs, nil
}

// parseHeaders returns payload headers keyed by lowercase name; the first
// occurrence wins.
func parseHeaders(payload *gmail.MessagePart) map[string]string {
	headers := make(map[string]string, len(payload.Headers))
	for _, h := range payload.Headers {
		name := strings.ToLower(h.Name)
		if _, ok := headers[name]; !ok {
			headers[name] = h.Value
		}
	}
	return headers
}

// Address is a parsed mailbox.
type Address struct {
	Name  string
	Email string
}

// parseAddress parses one RFC 5322 mailbox, tolerating the malformed forms
// seen in the wild ("Name" addr@x without brackets, bare addresses).
func parseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return Address{Name: strings.TrimSpace(addr.Name), Email: models.NormalizeEmail(addr.Address)}
	}

	if start, end := strings.LastIndex(raw, "<"), strings.LastIndex(raw, ">"); start >= 0 && end > start {
		name := strings.Trim(strings.TrimSpace(raw[:start]), `"'`)
		return Address{Name: name, Email: models.NormalizeEmail(raw[start+1 : end])}
	}

	for _, field := range strings.Fields(raw) {
		if strings.Contains(field, "@") {
			return Address{Email: models.NormalizeEmail(strings.Trim(field, `<>"',;`))}
		}
	}
	return Address{Name: raw}
}

func parseAddressList(raw string) []Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]Address, 0, len(list))
		for _, addr := range list {
			out = append(out, Address{Name: strings.TrimSpace(addr.Name), Email: models.NormalizeEmail(addr.Address)})
		}
		return out
	}

	var out []Address
	for _, part := range strings.Split(raw, ",") {
		if addr := parseAddress(part); addr.Email != "" {
			out = append(out, addr)
		}
	}
	return out
}

func addressValue(a Address) map[string]any {
	return map[string]any{"name": a.Name, "email": a.Email}
}

func addressList(raw string) []any {
	list := parseAddressList(raw)
	out := make([]any, 0, len(list))
	for _, a := range list {
		out = append(out, addressValue(a))
	}
	return out
}

// extractBody walks the MIME tree keeping the longest text/plain and the
// longest text/html part. A lone plain part containing markup is treated as
// the HTML variant.
func extractBody(root *gmail.MessagePart) (plain, htmlBody string, err error) {
	var walk func(part *gmail.MessagePart) error
	walk = func(part *gmail.MessagePart) error {
		if part == nil {
			return nil
		}
		mimeType := strings.ToLower(part.MimeType)

		if len(part.Parts) > 0 || strings.HasPrefix(mimeType, "multipart/") {
			for _, child := range part.Parts {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}

		if part.Filename != "" || part.Body == nil || part.Body.Data == "" {
			return nil
		}

		switch {
		case mimeType == "text/html":
			text, err := decodeBody(part.Body.Data)
			if err != nil {
				return err
			}
			if len(text) > len(htmlBody) {
				htmlBody = text
			}
		case mimeType == "text/plain" || mimeType == "":
			text, err := decodeBody(part.Body.Data)
			if err != nil {
				return err
			}
			if len(text) > len(plain) {
				plain = text
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return "", "", err
	}

	if htmlBody == "" && plain != "" && markupTag.MatchString(plain) {
		htmlBody, plain = plain, ""
	}
	return plain, htmlBody, nil
}

// decodeBody decodes Gmail's URL-safe base64, with or without padding.
func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", fmt.Errorf("failed to decode body: %w", err)
		}
	}
	return string(decoded), nil
}

// stripHTML reduces an HTML body to readable text.
func stripHTML(content string) string {
	content = scriptTag.ReplaceAllString(content, "")
	content = styleTag.ReplaceAllString(content, "")
	content = headTag.ReplaceAllString(content, "")
	content = htmlComments.ReplaceAllString(content, "")
	content = blockElements.ReplaceAllString(content, "\n")
	content = allTags.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = multiSpaces.ReplaceAllString(content, " ")

	lines := strings.Split(content, "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

func labelFlags(labels []string) map[string]any {
	has := func(label string) bool { return slices.Contains(labels, label) }

	values := make([]any, 0, len(labels))
	for _, l := range labels {
		values = append(values, l)
	}

	return map[string]any{
		models.AttrIsRead:      !has(labelUnread),
		models.AttrIsStarred:   has(labelStarred),
		models.AttrIsDraft:     has(labelDraft),
		models.AttrIsSent:      has(labelSent),
		models.AttrIsImportant: has(labelImportant),
		models.AttrIsSpam:      has(labelSpam),
		models.AttrIsTrash:     has(labelTrash),
		models.AttrLabels:      values,
	}
}

// messageDate parses the Date header, falling back to the provider's
// internal timestamp (milliseconds since epoch).
func messageDate(header string, internalDate int64) time.Time {
	if t, err := parseEmailDate(header); err == nil {
		return t
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate).UTC()
	}
	return time.Time{}
}

// parseEmailDate parses an RFC 2822 date, including the common variants
// net/mail rejects.
func parseEmailDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := mail.ParseDate(dateStr); err == nil {
		return t, nil
	}

	// Strip trailing timezone name like "(UTC)" or "(PST)"
	if idx := strings.Index(dateStr, " ("); idx > 0 {
		dateStr = dateStr[:idx]
	}

	formats := []string{
		time.RFC1123Z,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC822Z,
		time.RFC822,
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse date: %s", dateStr)
}
