package render

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/user/resumechat/internal/types"
)

// transcriptTemplate lays out a conversation as plain text.
const transcriptTemplate = `{{.Title}}{{if .Starred}} *{{end}}
{{- if .ResumeID}}
Resume: {{.ResumeID}}{{end}}
Updated {{.Updated}}, {{.Count}} messages{{if .Tokens}}, ~{{.Tokens}} tokens{{end}}
{{- if .Skipped}}
... {{.Skipped}} earlier messages hidden{{end}}
{{range .Lines}}
[{{.Role}}] {{.Content}}
{{end}}`

var transcript = template.Must(template.New("transcript").Parse(transcriptTemplate))

// Options controls Transcript output.
type Options struct {
	// Budget limits the body to the newest messages fitting this many tokens.
	Budget int
	// Counter enables token statistics in the header.
	Counter *Counter
	Now     time.Time
}

type transcriptLine struct {
	Role    string
	Content string
}

type transcriptData struct {
	Title    string
	Starred  bool
	ResumeID string
	Updated  string
	Count    int
	Tokens   int
	Skipped  int
	Lines    []transcriptLine
}

// Transcript writes conv to w. Streaming placeholders are shown with a
// typing marker and system messages are left out.
func Transcript(w io.Writer, conv types.Conversation, opts Options) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	data := transcriptData{
		Title:    conv.Title,
		Starred:  conv.IsStarred,
		ResumeID: conv.ResumeID,
		Updated:  Ago(conv.Timestamp, now),
		Count:    len(conv.Messages),
	}

	msgs := conv.Messages
	if opts.Counter != nil {
		data.Tokens = opts.Counter.Stats(msgs).Total()
		if opts.Budget > 0 {
			tail := opts.Counter.Tail(msgs, opts.Budget)
			data.Skipped = len(msgs) - len(tail)
			msgs = tail
		}
	}
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if m.IsStreaming {
			content += " ..."
		}
		data.Lines = append(data.Lines, transcriptLine{Role: string(m.Role), Content: content})
	}

	if err := transcript.Execute(w, data); err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}
	return nil
}

// Ago formats t relative to now, or "never" for the zero time.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
