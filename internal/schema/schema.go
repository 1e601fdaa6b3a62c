package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidDocument reports a classifier response that does not match its schema.
var ErrInvalidDocument = errors.New("document does not match schema")

// Schema describes the JSON document a classification call must return.
type Schema struct {
	Name        string
	Instruction string
	Document    map[string]any
}

// JSON renders the schema document.
func (s Schema) JSON() ([]byte, error) {
	raw, err := json.Marshal(s.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", s.Name, err)
	}
	return raw, nil
}

// Validate checks raw against the schema. Non-JSON input is an ErrInvalidDocument.
func (s Schema) Validate(raw string) error {
	schemaJSON, err := s.JSON()
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(problems, "; "))
}

// Evaluation is the ranking schema used by the first classification pass.
func Evaluation() Schema {
	return Schema{
		Name: "news_evaluation",
		Instruction: "You review newsletter content for a research lab audience. " +
			"Each article is introduced by an ARTICLE_n marker. Return one entry per relevant article, " +
			"copy its marker into ID, name the originating organisation or site in source, " +
			"and score relevancy from 0 to 100.",
		Document: newsList(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ID":                map[string]any{"type": "string"},
				"source":            map[string]any{"type": "string"},
				"brief description": map[string]any{"type": "string"},
				"reasoning":         map[string]any{"type": "string"},
				"relevancy":         map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			},
			"required": []string{"ID", "source", "brief description", "relevancy"},
		}),
	}
}

// Division is the final schema producing renderer-ready articles. With no categories the
// category field accepts any string.
func Division(categories []string) Schema {
	category := map[string]any{"type": "string"}
	if len(categories) > 0 {
		category["enum"] = categories
	}
	return Schema{
		Name: "news_division",
		Instruction: "Split the content into distinct news items. For each item write a title, " +
			"a one-sentence description and a short summary, name the source and location, " +
			"pick exactly one category from the allowed list, keep the most relevant link, " +
			"and add contact details only when the text provides them.",
		Document: newsList(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":       map[string]any{"type": "string"},
				"source":      map[string]any{"type": "string"},
				"location":    map[string]any{"type": "string"},
				"contact":     map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"summary":     map[string]any{"type": "string"},
				"category":    category,
				"link":        map[string]any{"type": "string"},
				"image":       map[string]any{"type": "string"},
			},
			"required": []string{"title", "source", "location", "description", "summary", "category", "link"},
		}),
	}
}

func newsList(item map[string]any) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"news": map[string]any{
				"type":  "array",
				"items": item,
			},
		},
		"required": []string{"news"},
	}
}
