package worker

import (
	"bytes"
	"fmt"
	"html/template"

	"remindq/internal/types"
)

// RenderedEmail is the provider-ready content for one recipient.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// templateData is the flattened rendering input. Fields come from the
// group message's template meta plus the per-recipient name.
type templateData struct {
	RecipientName    string
	SessionTitle     string
	SessionDate      string
	SessionTime      string
	ParticipantNames string
}

var htmlTemplates = template.Must(template.New("emails").Parse(`
{{define "greeting"}}{{if .RecipientName}}Hi {{.RecipientName}},{{else}}Hi,{{end}}{{end}}

{{define "prep-48h"}}<p>{{template "greeting" .}}</p>
<p>Your session <strong>{{.SessionTitle}}</strong> is coming up in two days, on {{.SessionDate}} at {{.SessionTime}}.</p>
{{if .ParticipantNames}}<p>You'll be meeting with {{.ParticipantNames}}.</p>{{end}}
<p>Take a moment to review your preparation notes so you can make the most of it.</p>{{end}}

{{define "prep-24h"}}<p>{{template "greeting" .}}</p>
<p>Quick reminder: <strong>{{.SessionTitle}}</strong> is tomorrow, {{.SessionDate}} at {{.SessionTime}}.</p>
{{if .ParticipantNames}}<p>You'll be meeting with {{.ParticipantNames}}.</p>{{end}}
<p>Double-check your setup and connection ahead of time.</p>{{end}}

{{define "feedback-immediate"}}<p>{{template "greeting" .}}</p>
<p>Your session <strong>{{.SessionTitle}}</strong> has just wrapped up.</p>
<p>While it's fresh, please take two minutes to share your feedback. It directly shapes how we match and prepare future sessions.</p>{{end}}
`))

// RenderEmail produces the subject and both body variants for one recipient
// of a group message. Unknown kinds return an error rather than a generic
// email; the caller records it as a job failure.
func RenderEmail(kind types.NotificationKind, recipientName string, meta map[string]string) (RenderedEmail, error) {
	data := templateData{
		RecipientName:    recipientName,
		SessionTitle:     meta["session_title"],
		SessionDate:      meta["session_date"],
		SessionTime:      meta["session_time"],
		ParticipantNames: meta["participant_names"],
	}
	if data.SessionTitle == "" {
		data.SessionTitle = "Your session"
	}

	var subject string
	switch kind {
	case types.KindPrep48h:
		subject = fmt.Sprintf("Reminder: %s in two days", data.SessionTitle)
	case types.KindPrep24h:
		subject = fmt.Sprintf("Reminder: %s is tomorrow", data.SessionTitle)
	case types.KindFeedbackImmediate:
		subject = fmt.Sprintf("How did %s go?", data.SessionTitle)
	default:
		return RenderedEmail{}, fmt.Errorf("no template for notification kind %q", kind)
	}

	var buf bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&buf, string(kind), data); err != nil {
		return RenderedEmail{}, fmt.Errorf("rendering %s: %w", kind, err)
	}

	return RenderedEmail{
		Subject:  subject,
		BodyHTML: buf.String(),
		BodyText: renderText(kind, data),
	}, nil
}

// renderText builds the plain-text alternative. Kept as plain string
// assembly; the HTML variant is the one that needs escaping.
func renderText(kind types.NotificationKind, data templateData) string {
	greeting := "Hi,"
	if data.RecipientName != "" {
		greeting = "Hi " + data.RecipientName + ","
	}

	var body string
	switch kind {
	case types.KindPrep48h:
		body = fmt.Sprintf("Your session %s is coming up in two days, on %s at %s.",
			data.SessionTitle, data.SessionDate, data.SessionTime)
	case types.KindPrep24h:
		body = fmt.Sprintf("Quick reminder: %s is tomorrow, %s at %s.",
			data.SessionTitle, data.SessionDate, data.SessionTime)
	case types.KindFeedbackImmediate:
		body = fmt.Sprintf("Your session %s has just wrapped up. Please take two minutes to share your feedback.",
			data.SessionTitle)
	}

	if data.ParticipantNames != "" && kind != types.KindFeedbackImmediate {
		body += fmt.Sprintf(" You'll be meeting with %s.", data.ParticipantNames)
	}

	return greeting + "\n\n" + body + "\n"
}
