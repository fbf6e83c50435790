// Package persona loads the profile the assistant speaks for and builds
// the system prompt from it.
package persona

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is the profile the assistant represents.
type Persona struct {
	Name    string
	Summary string
}

type header struct {
	Name string `yaml:"name"`
}

// Load reads a YAML profile. The whole document is passed to the model
// verbatim; a top-level name key overrides fallbackName.
func Load(path, fallbackName string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	return Parse(data, fallbackName)
}

// Parse builds a Persona from YAML profile data.
func Parse(data []byte, fallbackName string) (*Persona, error) {
	summary := strings.TrimSpace(string(data))
	if summary == "" {
		return nil, errors.New("parse persona: profile is empty")
	}

	var h header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}
	name := strings.TrimSpace(h.Name)
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return nil, errors.New("parse persona: no name")
	}
	return &Persona{Name: name, Summary: summary}, nil
}

// SystemPrompt returns the instructions sent ahead of every conversation.
func (p *Persona) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. You are answering questions on your portfolio website. ", p.Name)
	b.WriteString("Answer all questions about yourself directly and naturally, including personal questions like where you live, " +
		"what languages you speak, your background, career, skills, experience and projects. " +
		"Your responsibility is to represent yourself faithfully and professionally. " +
		"Use the information provided below to answer questions accurately. Never make up information not in your profile. " +
		"Be professional and engaging, as if talking to a potential client or future employer. " +
		"If you truly don't know the answer to a question, say so honestly.")
	fmt.Fprintf(&b, "\n\n## Your Profile:\n%s\n\n", p.Summary)
	fmt.Fprintf(&b, "Answer questions naturally and directly as %s. Stay in character and be helpful.", p.Name)
	return b.String()
}

// ContentHash identifies the profile text.
func (p *Persona) ContentHash() string {
	sum := sha256.Sum256([]byte(p.Summary))
	return hex.EncodeToString(sum[:])[:16]
}
