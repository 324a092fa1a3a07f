package model

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies the direction of a transaction relative to the
// account owner. Values are stored verbatim in extracted data under the
// "transaction_type" key.
type TransactionType string

const (
	TransactionIncoming TransactionType = "incoming"
	TransactionOutgoing TransactionType = "outgoing"
	TransactionUnknown  TransactionType = "unknown"
)

// EmailBody holds the decoded body variants of a message. Either field may be
// empty; MIME decoding happens upstream of this package.
type EmailBody struct {
	PlainText string `json:"plain_text,omitempty"`
	HTML      string `json:"html,omitempty"`
}

// EmailMessage is one already-parsed email as handed over by the mailbox
// collaborator, plus the processing results this system attaches to it
// (ExtractedData, FilterID, ProcessedAt).
type EmailMessage struct {
	ID             string            `json:"id"`
	MessageID      string            `json:"message_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Subject        string            `json:"subject"`
	From           string            `json:"from_email"`
	To             []string          `json:"to_email"`
	Cc             []string          `json:"cc_email,omitempty"`
	Bcc            []string          `json:"bcc_email,omitempty"`
	Date           time.Time         `json:"date"`
	Body           EmailBody         `json:"content"`
	Labels         []string          `json:"labels,omitempty"`
	HasAttachments bool              `json:"has_attachments,omitempty"`
	Attachments    []string          `json:"attachments,omitempty"`
	ExtractedData  map[string]string `json:"extracted_data,omitempty"`
	FilterID       string            `json:"filter_id,omitempty"`
	ProcessedAt    time.Time         `json:"processed_at,omitempty"`
}

// NewID returns a fresh identity for filters, subscriptions, and emails.
func NewID() string {
	return uuid.NewString()
}
