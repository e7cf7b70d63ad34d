package broadcast

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/google/uuid"
)

//go:embed message.tmpl
var defaultTemplate string

// DefaultSubject is the subject of every probe message.
const DefaultSubject = "idleprobe broadcast"

// MarkerDomain is the right-hand side of generated markers.
const MarkerDomain = "idleprobe.local"

// MarkerSource yields the token placed in the Message-ID header. The
// classifier looks for it in fetched payloads.
type MarkerSource interface {
	NewMarker() string
}

// UUIDMarkers generates test-<uuidv7>@idleprobe.local markers.
type UUIDMarkers struct{}

// NewMarker returns a fresh marker.
func (UUIDMarkers) NewMarker() string {
	return "test-" + uuid.Must(uuid.NewV7()).String() + "@" + MarkerDomain
}

var _ MarkerSource = UUIDMarkers{}

// MessageData are the fields available to the message template.
type MessageData struct {
	From      string
	To        string
	Subject   string
	MessageID string
	Date      string
}

// Template renders one message per recipient.
type Template struct {
	tmpl *template.Template
}

// DefaultMessage returns the embedded multipart/encrypted template.
func DefaultMessage() *Template {
	return &Template{tmpl: template.Must(template.New("message").Parse(defaultTemplate))}
}

// ParseMessage parses a template from text.
func ParseMessage(text string) (*Template, error) {
	t, err := template.New("message").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	return &Template{tmpl: t}, nil
}

// LoadMessage reads and parses a template file.
func LoadMessage(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message template: %w", err)
	}
	return ParseMessage(string(data))
}

// Render executes the template.
func (t *Template) Render(d MessageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}

func formatDate(t time.Time) string {
	return t.Format(time.RFC1123Z)
}
