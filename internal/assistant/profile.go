package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile holds the per-deployment assistant wording: run instructions and
// the fixed replies the dispatcher sends outside of assistant runs.
type Profile struct {
	// Instructions scopes a run per request. {{name}} expands to the
	// candidate's display name.
	Instructions string `yaml:"instructions"`
	// Welcome is sent once on first contact. {{name}} expands as above.
	Welcome string `yaml:"welcome"`
	// Fallback is the apology sent when a run fails, times out, or yields
	// no assistant message.
	Fallback string `yaml:"fallback"`
	// Unsupported is the capability-limits reply for unhandled media kinds.
	Unsupported string `yaml:"unsupported"`
	// DocumentReceived acknowledges a stored resume upload.
	DocumentReceived string `yaml:"documentReceived"`
	// DocumentRejected is sent when an upload fails the content-type gate.
	DocumentRejected string `yaml:"documentRejected"`
}

// DefaultProfile mirrors the wording the recruitment bot shipped with.
func DefaultProfile() Profile {
	return Profile{
		Instructions: "You are talking to {{name}}, a job candidate. Be warm and professional.",
		Welcome: "Hi {{name}}, this is the recruitment assistant for TechnoGen. " +
			"I'm here to assist you with any questions you may have about our job openings. " +
			"Feel free to ask me anything related to our job opportunities or the application process.",
		Fallback:         "Sorry, I couldn't process that right now. Please try again.",
		Unsupported:      "Sorry {{name}}, we only support text and resume file messages at this time.",
		DocumentReceived: "Thanks {{name}}, we've successfully received your resume!",
		DocumentRejected: "Only PDF or Word document resumes are accepted. Please upload a valid file.",
	}
}

// LoadProfile reads a YAML profile, filling missing fields from the
// defaults. An empty path returns the defaults unchanged.
func LoadProfile(path string, logger *slog.Logger) (Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("cannot read profile %s: %w", path, err)
	}

	var loaded Profile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return profile, fmt.Errorf("cannot parse profile %s: %w", path, err)
	}

	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&profile.Instructions, loaded.Instructions)
	merge(&profile.Welcome, loaded.Welcome)
	merge(&profile.Fallback, loaded.Fallback)
	merge(&profile.Unsupported, loaded.Unsupported)
	merge(&profile.DocumentReceived, loaded.DocumentReceived)
	merge(&profile.DocumentRejected, loaded.DocumentRejected)

	logger.Info("loaded assistant profile", "path", path)
	return profile, nil
}

// Render substitutes {{name}} in a profile template.
func Render(template, name string) string {
	return strings.ReplaceAll(template, "{{name}}", name)
}
