package domain

import "time"

// Mailbox labels used to mark intake progress.
const (
	LabelNotWhitelisted = "NOT_WHITELISTED"
	LabelProcessed      = "PROCESSED"
	LabelAnalyzed       = "ANALYZED"
)

// MessageStub identifies a message returned by a listing call.
type MessageStub struct {
	ID string
}

// Message is the parsed form of one inbound email.
type Message struct {
	ID     string
	Sender string
	Title  string
	Text   string
	HTML   string
	Links  []string
	Images []string
	Labels []string
	Date   time.Time
}

// HasLabel reports whether the message carries the given label.
func (m Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ListFilter narrows a mailbox listing. Nil pointers mean "any".
type ListFilter struct {
	Since         time.Time
	Until         time.Time
	Read          *bool
	Archived      *bool
	IncludeLabels []string
	ExcludeLabels []string
	Sender        string
	MaxResults    int
	LimitNewest   int
}

// StateChange describes a label/read mutation on one message.
type StateChange struct {
	AddLabels    []string
	RemoveLabels []string
	Read         *bool
}

// Bool returns a pointer to v, for filter and state fields.
func Bool(v bool) *bool {
	return &v
}
