package domain

import "time"

// Channel is the customer messaging channel a conversation lives on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
)

// ExtractedFields is the partial result of running the extractor on one
// inbound message. Absent fields are simply missing from Values.
type ExtractedFields struct {
	Values map[Field]string
	// OptOut is set when the customer asked not to be contacted again.
	OptOut bool
	// Sensitive is set for topics that always need a human (legal, complaints).
	Sensitive bool
	// HighValue marks explicit premium intent such as investor visas.
	HighValue bool
}

// Has reports whether field was extracted with a non-empty value.
func (e ExtractedFields) Has(field Field) bool {
	return e.Values[field] != ""
}

// Get returns the extracted value of field.
func (e ExtractedFields) Get(field Field) string {
	return e.Values[field]
}

// PriorContext carries what the extractor may use besides the raw text.
type PriorContext struct {
	// ContactName is the profile name supplied by the channel, if any.
	ContactName string
	// LastQuestionKey lets short replies ("2", "mainland") be attributed to
	// the question that was just asked.
	LastQuestionKey string
}

// InboundMessage is one normalized customer message delivered by intake.
type InboundMessage struct {
	ID          string
	Channel     Channel
	Text        string
	ContactName string
	ReceivedAt  time.Time
}
