package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"NewsDigest/internal/domain"
)

const maxPartBytes = 2 << 20

var (
	plainURLPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)
	spacePattern    = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
	textPolicy      = bluemonday.StrictPolicy()
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// parseRaw turns an RFC 5322 message into its domain view. Labels come from the IMAP keywords.
func parseRaw(id string, raw []byte, labels []string, received time.Time) (domain.Message, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && reader == nil {
		return domain.Message{}, fmt.Errorf("parse message %s: %w", id, err)
	}

	msg := domain.Message{ID: id, Labels: labels, Date: received}
	msg.Sender = senderFromHeader(&reader.Header)
	if subject, err := reader.Header.Subject(); err == nil {
		msg.Title = strings.TrimSpace(subject)
	} else {
		msg.Title = strings.TrimSpace(reader.Header.Get("Subject"))
	}
	if date, err := reader.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	}

	var plain, htmlBody strings.Builder
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, err := header.ContentType()
		if err != nil || mimeType == "" {
			mimeType = "text/plain"
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if err != nil {
			continue
		}
		switch strings.ToLower(mimeType) {
		case "text/plain":
			plain.Write(body)
		case "text/html":
			htmlBody.Write(body)
		}
	}

	msg.HTML = htmlBody.String()
	msg.Text = strings.TrimSpace(plain.String())
	if msg.Text == "" && msg.HTML != "" {
		msg.Text = htmlToText(msg.HTML)
	}
	msg.Links, msg.Images = extractLinks(msg.HTML, msg.Text)
	return msg, nil
}

func senderFromHeader(h *gomail.Header) string {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		a := addrs[0]
		if a.Name == "" {
			return a.Address
		}
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return strings.TrimSpace(h.Get("From"))
}

// htmlToText strips markup and collapses whitespace.
func htmlToText(doc string) string {
	doc = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</div>", "</div>\n").Replace(doc)
	text := html.UnescapeString(textPolicy.Sanitize(doc))
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// extractLinks collects http(s) anchors and images from the HTML body, then bare URLs in the text.
func extractLinks(htmlBody, text string) (links, images []string) {
	seen := map[string]bool{}
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if !isWebURL(raw) || seen[raw] {
			return
		}
		seen[raw] = true
		links = append(links, raw)
	}

	if htmlBody != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody)); err == nil {
			doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
				href, _ := s.Attr("href")
				add(href)
			})
			doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
				src, _ := s.Attr("src")
				if isWebURL(src) {
					images = append(images, src)
				}
			})
		}
	}
	for _, raw := range plainURLPattern.FindAllString(text, -1) {
		add(strings.TrimRight(raw, ".,;:!?"))
	}
	return links, images
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
