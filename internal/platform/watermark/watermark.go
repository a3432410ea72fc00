// Package watermark composes the provenance stamp printed on documents and
// overlays it onto externally rendered content.
package watermark

import (
	"strings"
	"time"

	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "Printed by {userName} on {timestamp} from {ipAddress} | Doc {documentId}"

// UnidentifiedUser labels an actor with no display name.
const UnidentifiedUser = "Unidentified user"

const timestampLayout = "2006-01-02 15:04:05 MST"

// Info is the provenance of one print attempt. It is generated fresh for every
// attempt and never shared between two prints.
type Info struct {
	ActorID          string    `json:"actorId"`
	ActorDisplayName string    `json:"actorDisplayName"`
	Timestamp        time.Time `json:"timestamp"`
	NetworkOrigin    string    `json:"networkOrigin"`
	DocumentID       string    `json:"documentId"`
	UniqueToken      string    `json:"uniqueToken"`
}

// Position is where the overlay text is placed on a page.
type Position string

const (
	PositionDiagonal Position = "diagonal"
	PositionFooter   Position = "footer"
	PositionHeader   Position = "header"
)

// ValidPosition reports whether p is a known overlay position.
func ValidPosition(p Position) bool {
	switch p {
	case PositionDiagonal, PositionFooter, PositionHeader:
		return true
	}
	return false
}

// Overlay is the rendering instruction handed to the presentation layer.
type Overlay struct {
	Text            string   `json:"text"`
	Lines           []string `json:"lines"`
	Position        Position `json:"position"`
	Opacity         float64  `json:"opacity"`
	RotationDegrees float64  `json:"rotationDegrees"`
	FontSizePt      float64  `json:"fontSizePt"`
}

// Composer builds watermark info and overlays.
type Composer struct {
	Template string
	Location *time.Location
	Position Position
	Now      func() time.Time
}

// NewComposer returns a Composer rendering timestamps in loc.
func NewComposer(template string, loc *time.Location) *Composer {
	if template == "" {
		template = DefaultTemplate
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{Template: template, Location: loc, Position: PositionDiagonal, Now: time.Now}
}

// Compose builds the Info for one print attempt. It never fails: a missing
// display name is replaced by a generic label and a missing document id by the
// attempt token.
func (c *Composer) Compose(actor auth.ActorIdentity, origin, documentID string) Info {
	name := strings.TrimSpace(actor.DisplayName)
	if name == "" {
		name = UnidentifiedUser
	}
	token := fingerprint.NewUniqueToken()
	if strings.TrimSpace(documentID) == "" {
		documentID = token
	}
	if origin == "" {
		origin = "unknown"
	}
	return Info{
		ActorID:          actor.ID,
		ActorDisplayName: name,
		Timestamp:        c.Now().UTC().Truncate(time.Microsecond),
		NetworkOrigin:    origin,
		DocumentID:       documentID,
		UniqueToken:      token,
	}
}

// Text renders the configured template for info.
func (c *Composer) Text(info Info) string {
	return Render(c.Template, info, c.Location)
}

// Overlay returns the rendering instruction for info. The unique token is
// always appended so the printout can be traced back to its fact.
func (c *Composer) Overlay(info Info) Overlay {
	text := c.Text(info)
	lines := []string{text}
	if !strings.Contains(text, info.UniqueToken) {
		lines = append(lines, "Ref "+info.UniqueToken)
	}
	o := Overlay{
		Text:       strings.Join(lines, " | "),
		Lines:      lines,
		Position:   c.Position,
		Opacity:    0.25,
		FontSizePt: 9,
	}
	switch c.Position {
	case PositionDiagonal:
		o.RotationDegrees = -45
		o.FontSizePt = 14
		o.Opacity = 0.15
	case PositionHeader, PositionFooter:
		o.Opacity = 0.6
	}
	return o
}

// Render substitutes {userName}, {timestamp}, {ipAddress} and {documentId} in
// template. Unknown placeholders are left untouched.
func Render(template string, info Info, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	r := strings.NewReplacer(
		"{userName}", info.ActorDisplayName,
		"{timestamp}", info.Timestamp.In(loc).Format(timestampLayout),
		"{ipAddress}", info.NetworkOrigin,
		"{documentId}", info.DocumentID,
	)
	return r.Replace(template)
}
