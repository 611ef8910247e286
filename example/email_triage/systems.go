package email_triage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sicko7947/hubflow"
)

// Systems fakes the tracker, chat and knowledge base an email fans out to.
// Each system collapses repeated calls carrying the same idempotency key.
type Systems struct {
	mu       sync.Mutex
	issues   map[string]Issue
	messages map[string]ChatMessage
	docs     map[string]Doc
	byKey    map[string]map[string]any

	// TrackerOutages makes the next n create_issue calls fail as retryable
	TrackerOutages int
}

// NewSystems creates empty fake systems
func NewSystems() *Systems {
	return &Systems{
		issues:   make(map[string]Issue),
		messages: make(map[string]ChatMessage),
		docs:     make(map[string]Doc),
		byKey:    make(map[string]map[string]any),
	}
}

// Execute implements hubflow.Adapter
func (s *Systems) Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ""
	if info, ok := hubflow.ExecutionFromContext(ctx); ok {
		key = info.IdempotencyKey()
		if out, seen := s.byKey[key]; seen {
			return out, nil
		}
	}

	var out map[string]any
	switch actionType {
	case "create_issue":
		if s.TrackerOutages > 0 {
			s.TrackerOutages--
			return nil, hubflow.Retryable("tracker unavailable", nil)
		}
		issue := Issue{
			ID:       fmt.Sprintf("ISS-%d", len(s.issues)+1),
			Title:    str(input["title"]),
			Body:     str(input["body"]),
			Reporter: str(input["reporter"]),
		}
		if issue.Title == "" {
			return nil, hubflow.Permanent("issue title is required", nil)
		}
		s.issues[issue.ID] = issue
		out = map[string]any{"id": issue.ID, "url": "https://tracker.example.com/" + issue.ID}

	case "notify_chat":
		msg := ChatMessage{
			ID:      fmt.Sprintf("MSG-%d", len(s.messages)+1),
			Channel: str(input["channel"]),
			Text:    str(input["text"]),
		}
		s.messages[msg.ID] = msg
		out = map[string]any{"id": msg.ID}

	case "create_doc":
		doc := Doc{
			ID:      fmt.Sprintf("DOC-%d", len(s.docs)+1),
			Title:   str(input["title"]),
			IssueID: str(input["issue_id"]),
			ChatID:  str(input["chat_id"]),
		}
		s.docs[doc.ID] = doc
		out = map[string]any{"id": doc.ID}

	default:
		return nil, hubflow.Permanent(fmt.Sprintf("unsupported action %s", actionType), nil)
	}

	if key != "" {
		s.byKey[key] = out
	}
	return out, nil
}

// Issues returns a snapshot of created issues
func (s *Systems) Issues() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	issues := make([]Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		issues = append(issues, issue)
	}
	return issues
}

// Messages returns a snapshot of posted chat messages
func (s *Systems) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]ChatMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		messages = append(messages, msg)
	}
	return messages
}

// Docs returns a snapshot of created docs
func (s *Systems) Docs() []Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]Doc, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	return docs
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
