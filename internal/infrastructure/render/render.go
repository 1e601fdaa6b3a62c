package render

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
)

// ColorsFile lives in the configs directory and may override the category color table.
const ColorsFile = "mail_configs.json"

const maxInlineImageBytes = 2 << 20

//go:embed digest.html.tmpl
var digestTemplate string

var (
	pageTemplate = template.Must(template.New("digest").Parse(digestTemplate))
	hexColor     = regexp.MustCompile(`^#[0-9a-fA-F]{3,8}$`)
)

// DefaultColors is the static category color table.
func DefaultColors() map[domain.Category]string {
	return map[domain.Category]string{
		domain.CategoryNews:        "#1f77b4",
		domain.CategoryTalks:       "#2ca02c",
		domain.CategoryEvents:      "#ff7f0e",
		domain.CategoryWorkshops:   "#9467bd",
		domain.CategoryOpportunity: "#d62728",
		domain.CategoryOther:       "#7f7f7f",
	}
}

// Options tunes the document chrome.
type Options struct {
	DigestTitle string
	RepostTitle string
	Footer      string
	Colors      map[domain.Category]string
	// InlineImages embeds local media as data URIs; remote images are linked as-is.
	InlineImages bool
}

// Renderer groups articles by category into a single HTML email body.
type Renderer struct {
	opts Options
}

var _ ports.Renderer = (*Renderer)(nil)

// New fills unset options with defaults.
func New(opts Options) *Renderer {
	if opts.DigestTitle == "" {
		opts.DigestTitle = "Weekly News"
	}
	if opts.RepostTitle == "" {
		opts.RepostTitle = "Repost"
	}
	if opts.Footer == "" {
		opts.Footer = "Powered by NewsDigest"
	}
	colors := DefaultColors()
	for c, v := range opts.Colors {
		if hexColor.MatchString(v) {
			colors[domain.NormalizeCategory(string(c))] = v
		}
	}
	opts.Colors = colors
	return &Renderer{opts: opts}
}

// LoadColors reads category_colors from configsDir/mail_configs.json. A missing file is not an error.
func LoadColors(configsDir string) (map[domain.Category]string, error) {
	raw, err := os.ReadFile(filepath.Join(configsDir, ColorsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ColorsFile, err)
	}

	var doc struct {
		CategoryColors map[string]string `json:"category_colors"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ColorsFile, err)
	}
	out := make(map[domain.Category]string, len(doc.CategoryColors))
	for name, color := range doc.CategoryColors {
		out[domain.Category(name)] = color
	}
	return out, nil
}

type section struct {
	Category domain.Category
	Color    template.CSS
	Articles []card
}

type card struct {
	Title       string
	Source      string
	Location    string
	Contact     string
	Description string
	Summary     string
	Category    domain.Category
	Link        string
	Image       template.URL
}

type page struct {
	Title    string
	Footer   string
	Sections []section
}

// Render lays sections out in category order; unknown categories land in Other.
func (r *Renderer) Render(kind domain.DigestKind, articles []domain.NormalizedArticle) (string, error) {
	grouped := make(map[domain.Category][]card)
	for _, a := range articles {
		category := domain.NormalizeCategory(string(a.Category))
		grouped[category] = append(grouped[category], card{
			Title:       a.Title,
			Source:      a.Source,
			Location:    a.Location,
			Contact:     a.Contact,
			Description: a.Description,
			Summary:     a.Summary,
			Category:    category,
			Link:        a.Link,
			Image:       r.imageSource(a.Image),
		})
	}

	p := page{Title: r.opts.DigestTitle, Footer: r.opts.Footer}
	if kind == domain.KindRepost {
		p.Title = r.opts.RepostTitle
	}
	for _, category := range domain.Categories() {
		cards := grouped[category]
		if len(cards) == 0 {
			continue
		}
		p.Sections = append(p.Sections, section{
			Category: category,
			Color:    template.CSS(r.opts.Colors[category]),
			Articles: cards,
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("execute digest template: %w", err)
	}
	return buf.String(), nil
}

func (r *Renderer) imageSource(image string) template.URL {
	image = strings.TrimSpace(image)
	if image == "" || !r.opts.InlineImages {
		return ""
	}
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return template.URL(image)
	}

	info, err := os.Stat(image)
	if err != nil || info.IsDir() || info.Size() > maxInlineImageBytes {
		return ""
	}
	raw, err := os.ReadFile(image)
	if err != nil {
		return ""
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(image)))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return template.URL("data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw))
}
