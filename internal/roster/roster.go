// Package roster loads the local contact directory: the identities the
// chat UI can address, defined in YAML files the user drops into a
// directory.
package roster

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Contact is one addressable identity.
type Contact struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	ConversationID string `yaml:"conversationId"`
}

// Roster is an immutable contact directory keyed by identity id.
type Roster struct {
	contacts map[string]Contact
}

// LoadFromDirectory loads contacts from YAML files in dir. A missing
// directory yields an empty roster; unparsable files are skipped with a
// warning so one bad file cannot take the roster down.
func LoadFromDirectory(dir string, logger *slog.Logger) (*Roster, error) {
	r := &Roster{contacts: make(map[string]Contact)}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("contacts directory does not exist, skipping", "dir", dir)
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read contacts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read contact file", "path", path, "err", err)
			continue
		}

		// A file may hold one contact or a list of them.
		var many struct {
			Contacts []Contact `yaml:"contacts"`
		}
		if err := yaml.Unmarshal(data, &many); err == nil && len(many.Contacts) > 0 {
			for _, c := range many.Contacts {
				r.add(c, name, logger)
			}
			continue
		}

		var one Contact
		if err := yaml.Unmarshal(data, &one); err != nil {
			logger.Warn("cannot parse contact file", "path", path, "err", err)
			continue
		}
		r.add(one, name, logger)
	}

	logger.Info("contact roster loaded", "dir", dir, "contacts", len(r.contacts))
	return r, nil
}

func (r *Roster) add(c Contact, file string, logger *slog.Logger) {
	if c.ID == "" {
		logger.Warn("contact without id skipped", "file", file)
		return
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	r.contacts[c.ID] = c
}

// Get returns the contact for id.
func (r *Roster) Get(id string) (Contact, bool) {
	c, ok := r.contacts[id]
	return c, ok
}

// DisplayName returns the contact's name, falling back to the raw id for
// identities the roster does not know.
func (r *Roster) DisplayName(id string) string {
	if c, ok := r.contacts[id]; ok {
		return c.Name
	}
	return id
}

// All returns every contact sorted by id.
func (r *Roster) All() []Contact {
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of contacts.
func (r *Roster) Len() int { return len(r.contacts) }
