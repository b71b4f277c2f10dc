// Package persona holds the closed catalogue of conversational personas a
// voice session can adopt.
//
// A persona is selected once, before a session starts, and never changes for
// the lifetime of that session. Each [Style] maps to a fixed instruction
// template; callers may append their own text (for example the scenario the
// user wants to rehearse) but cannot invent new styles. Unknown style names
// are rejected with [ErrUnknownStyle] rather than silently mapped to
// [StyleDefault].
package persona

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// ErrUnknownStyle is returned when a persona style name is not part of the
// catalogue.
var ErrUnknownStyle = errors.New("persona: unknown style")

// Style is the closed set of persona tags.
type Style string

const (
	// StyleDefault is a neutral, helpful conversation partner.
	StyleDefault Style = "default"

	// StyleSkeptic challenges every claim and asks for evidence.
	StyleSkeptic Style = "skeptic"

	// StyleAlly is supportive and helps the user sharpen their ideas.
	StyleAlly Style = "ally"

	// StyleExecutive is time-pressed and focused on outcomes and cost.
	StyleExecutive Style = "executive"
)

// Styles returns every style in catalogue order.
func Styles() []Style {
	return []Style{StyleDefault, StyleSkeptic, StyleAlly, StyleExecutive}
}

// IsValid reports whether s is a recognised style.
func (s Style) IsValid() bool {
	switch s {
	case StyleDefault, StyleSkeptic, StyleAlly, StyleExecutive:
		return true
	}
	return false
}

// String returns the style name.
func (s Style) String() string { return string(s) }

// ParseStyle resolves a style name case-insensitively. Anything outside the
// catalogue, including the empty string, yields an error wrapping
// [ErrUnknownStyle].
func ParseStyle(name string) (Style, error) {
	s := Style(strings.ToLower(strings.TrimSpace(name)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w %q (want one of %s)", ErrUnknownStyle, name, styleList())
	}
	return s, nil
}

func styleList() string {
	names := make([]string, 0, 4)
	for _, s := range Styles() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

const sharedRules = `You are speaking with the user in a live voice conversation.
Keep turns short and conversational, one or two sentences at a time.
Stop talking as soon as the user interrupts and respond to what they said.`

var templates = map[Style]string{
	StyleDefault: `You are a friendly, attentive conversation partner.
Listen carefully, ask clarifying questions when something is vague and give
clear, direct answers.`,

	StyleSkeptic: `You are a skeptical listener who is hard to convince.
Question assumptions, ask for evidence and concrete numbers, and point out
gaps in reasoning. Stay polite but do not concede a point until it has been
argued well.`,

	StyleAlly: `You are a supportive ally who wants the user to succeed.
Acknowledge what works, then suggest specific improvements. Help the user
rehearse by playing back their strongest arguments in fewer words.`,

	StyleExecutive: `You are a senior executive with very little time.
Interrupt rambling, ask for the bottom line, and probe on cost, risk and
timeline. Reward crisp answers and make clear when an answer did not land.`,
}

// Template returns the fixed instruction template for s.
func Template(s Style) (string, error) {
	t, ok := templates[s]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownStyle, string(s))
	}
	return t, nil
}

// Description returns a one-line summary of s for listings.
func Description(s Style) string {
	switch s {
	case StyleDefault:
		return "neutral, helpful conversation partner"
	case StyleSkeptic:
		return "challenges claims and asks for evidence"
	case StyleAlly:
		return "supportive coach that sharpens your points"
	case StyleExecutive:
		return "time-pressed decision maker focused on outcomes"
	}
	return ""
}

// Config is the immutable persona selection for one session.
type Config struct {
	// SystemInstruction is the complete system prompt sent to the remote
	// service.
	SystemInstruction string

	// Style is the persona tag the instruction was built from.
	Style Style

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string
}

// New builds a Config for style. extra, when non-empty, is appended to the
// style's template as additional context.
func New(style Style, voice, extra string) (Config, error) {
	tmpl, err := Template(style)
	if err != nil {
		return Config{}, err
	}
	var b strings.Builder
	b.WriteString(tmpl)
	b.WriteString("\n\n")
	b.WriteString(sharedRules)
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(extra)
	}
	return Config{
		SystemInstruction: b.String(),
		Style:             style,
		Voice:             voice,
	}, nil
}

// Validate reports whether c can start a session.
func (c Config) Validate() error {
	var errs []error
	if !c.Style.IsValid() {
		errs = append(errs, fmt.Errorf("%w %q", ErrUnknownStyle, string(c.Style)))
	}
	if strings.TrimSpace(c.SystemInstruction) == "" {
		errs = append(errs, errors.New("persona: system instruction is empty"))
	}
	return errors.Join(errs...)
}

// SessionConfig converts c to the configuration sent when opening the duplex
// channel.
func (c Config) SessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Instructions: c.SystemInstruction,
		Voice:        c.Voice,
	}
}
