package email_triage

import (
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/ingress"
)

const (
	// SourceMail is the source system emails arrive from
	SourceMail = "mail"
	// TypeMessageReceived is the event type of an inbound email
	TypeMessageReceived = "message.received"
)

// Email is an inbound message as delivered by the mail gateway
type Email struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Priority  string `json:"priority,omitempty"`
}

// Envelope converts the email into a submission keyed by its message id
func (e Email) Envelope() ingress.RawEvent {
	payload := map[string]any{
		"from":    e.From,
		"subject": e.Subject,
		"body":    e.Body,
	}
	if e.Priority != "" {
		payload["priority"] = e.Priority
	}
	return ingress.RawEvent{
		SourceSystem:   SourceMail,
		Type:           TypeMessageReceived,
		Payload:        payload,
		IdempotencyKey: e.MessageID,
	}
}

// Issue is a ticket in the fake tracker
type Issue struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Reporter string `json:"reporter"`
}

// ChatMessage is a post in the fake chat channel
type ChatMessage struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Doc is a page in the fake knowledge base
type Doc struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	IssueID string `json:"issue_id"`
	ChatID  string `json:"chat_id,omitempty"`
}

// TriageStatus is a run with its audit trail
type TriageStatus struct {
	*hubflow.WorkflowRun
	Steps []*hubflow.StepExecution `json:"steps,omitempty"`
}
