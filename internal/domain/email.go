package domain

import "time"

// EmailContent is a reusable body owned by an email. Content whose owning
// email was deleted is treated as deleted too.
type EmailContent struct {
	ID          string `json:"id" db:"id"`
	EmailID     string `json:"email_id" db:"email_id"`
	FromAddress string `json:"from_address" db:"from_address"`
	FromName    string `json:"from_name" db:"from_name"`
	Subject     string `json:"subject" db:"subject"`
	HTMLBody    string `json:"html_body" db:"html_body"`
	TextBody    string `json:"text_body" db:"text_body"`
}

// AutomationMessage correlates a provider message id with the step and
// contact that produced it, for later delivery-event matching.
type AutomationMessage struct {
	AutomationStepID string    `json:"automation_step_id" db:"automation_step_id"`
	ContactID        string    `json:"contact_id" db:"contact_id"`
	ContentID        string    `json:"content_id" db:"content_id"`
	MessageID        string    `json:"message_id" db:"message_id"`
	SentAt           time.Time `json:"sent_at" db:"sent_at"`
}
