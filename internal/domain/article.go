package domain

import (
	"strings"
	"time"
)

// CandidateItem is one raw piece of content before classification.
type CandidateItem struct {
	SourceID string
	Title    string
	Body     string
	Links    []string
}

// RankedArticle is the per-item output of the evaluation call.
type RankedArticle struct {
	ID               string `json:"ID"`
	Source           string `json:"source"`
	BriefDescription string `json:"brief description"`
	Reasoning        string `json:"reasoning,omitempty"`
	RelevancyScore   int    `json:"relevancy"`
}

// NormalizedArticle is the renderer input unit.
type NormalizedArticle struct {
	Title       string   `json:"title"`
	Source      string   `json:"source"`
	Location    string   `json:"location"`
	Contact     string   `json:"contact,omitempty"`
	Description string   `json:"description"`
	Summary     string   `json:"summary"`
	Category    Category `json:"category"`
	Link        string   `json:"link"`
	Image       string   `json:"image,omitempty"`
}

// Page is the cleaned result of fetching one URL.
type Page struct {
	URL    string
	Text   string
	Images []string
}

// DigestKind distinguishes the scheduled digest from an on-demand repost.
type DigestKind string

const (
	KindDigest DigestKind = "digest"
	KindRepost DigestKind = "repost"
)

// Delivery records one sent document for history and deduplication.
type Delivery struct {
	RunID     string
	Kind      DigestKind
	MessageID string
	Recipient string
	Articles  []NormalizedArticle
	SentAt    time.Time
}

// Category is the fixed set of digest sections.
type Category string

const (
	CategoryNews        Category = "News"
	CategoryTalks       Category = "Talks"
	CategoryEvents      Category = "Events"
	CategoryWorkshops   Category = "Workshops"
	CategoryOpportunity Category = "Opportunity"
	CategoryOther       Category = "Other"
)

// Categories lists every category in rendering order.
func Categories() []Category {
	return []Category{
		CategoryNews,
		CategoryTalks,
		CategoryEvents,
		CategoryWorkshops,
		CategoryOpportunity,
		CategoryOther,
	}
}

// NormalizeCategory maps free-form labels onto the fixed set; unknown values land in Other.
func NormalizeCategory(value string) Category {
	value = strings.TrimSpace(value)
	for _, c := range Categories() {
		if strings.EqualFold(value, string(c)) {
			return c
		}
	}
	return CategoryOther
}
