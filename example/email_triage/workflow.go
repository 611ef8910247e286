package email_triage

import (
	"fmt"
	"time"

	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/builder"
)

// NewEmailTriageDefinition files an issue for every inbound email, announces
// it in chat unless the email is low priority, and records both in a doc.
func NewEmailTriageDefinition() (*hubflow.WorkflowDefinition, error) {
	retry := hubflow.WithRetryPolicy(hubflow.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	})

	def, err := builder.NewDefinition("email_triage", "Email triage").
		WithDescription("Email to issue, chat notification and knowledge base doc").
		OnSource(SourceMail).
		OnType(TypeMessageReceived).
		OnFailure(hubflow.FailurePolicyContinueOnError).
		ThenStep("create_issue", "create_issue",
			hubflow.WithInput("title", "$event.payload.subject"),
			hubflow.WithInput("body", "$event.payload.body"),
			hubflow.WithInput("reporter", "$event.payload.from"),
			hubflow.WithOutputKey("issue_id"),
			retry,
		).
		ThenStepIf("notify_chat", "notify_chat", `event.payload.priority != "low"`,
			hubflow.WithInput("channel", "support"),
			hubflow.WithInput("text", `="New issue " + (context.issue_id?.id ?? "unfiled") + ": " + event.payload.subject`),
			hubflow.WithOutputKey("notification_id"),
			hubflow.WithTimeout(10*time.Second),
		).
		ThenStep("create_doc", "create_doc",
			hubflow.WithInput("title", "$event.payload.subject"),
			hubflow.WithInput("issue_id", "$context.issue_id.id"),
			hubflow.WithInput("chat_id", `=context.notification_id?.id ?? ""`),
			hubflow.WithOutputKey("doc_id"),
		).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build email triage definition: %w", err)
	}
	return def, nil
}
