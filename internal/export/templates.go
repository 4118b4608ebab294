package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(transcriptHTML))
}

// RenderTranscriptHTML renders the transcript template.
func RenderTranscriptHTML(t Transcript) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .message { padding: 0.75rem 1rem; margin: 0.75rem 0; border-radius: 6px; white-space: pre-wrap; }
    .message.user { background: #eef3ff; border-left: 3px solid #3355cc; }
    .message.assistant { background: #f5f5f5; border-left: 3px solid #333; }
    .role { font-weight: bold; font-size: 0.85em; text-transform: uppercase; color: #555; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.UserEmail}} | {{.CreatedAt.Format "Jan 2, 2006"}}</div>
  {{range .Messages}}
  <div class="message {{.Role | lower}}">
    <div class="role">{{.Role}}</div>
    <div>{{.Text}}</div>
  </div>
  {{end}}
</body>
</html>`
