package contact

import (
	"github.com/example/heartvoice/internal/config"
)

// Status says whether a patient has been reached before
type Status string

const (
	StatusNew      Status = "new"      // no completed call yet
	StatusExisting Status = "existing" // at least one completed call
)

// AnyTopic matches every topic of a status without its own entry
const AnyTopic = "*"

// ProfileTopic is the script-table topic used to ask for one profile field
func ProfileTopic(field string) string {
	return "profile:" + field
}

type scriptKey struct {
	status Status
	topic  string
}

// ScriptTable maps {patient status, topic} to a voice script ID. It is immutable once built.
type ScriptTable struct {
	scripts map[scriptKey]string
}

// NewScriptTable builds a table from configuration entries; a later duplicate entry wins
func NewScriptTable(entries []config.ScriptConfig) *ScriptTable {
	t := &ScriptTable{scripts: make(map[scriptKey]string, len(entries))}
	for _, e := range entries {
		t.scripts[scriptKey{Status(e.Status), e.Topic}] = e.Script
	}
	return t
}

// Script returns the script registered for exactly this status and topic
func (t *ScriptTable) Script(status Status, topic string) (string, bool) {
	id, ok := t.scripts[scriptKey{status, topic}]
	return id, ok
}

// Lookup is Script with a fallback to the status's AnyTopic entry
func (t *ScriptTable) Lookup(status Status, topic string) (string, bool) {
	if id, ok := t.Script(status, topic); ok {
		return id, true
	}
	return t.Script(status, AnyTopic)
}

// Len returns the number of entries
func (t *ScriptTable) Len() int {
	return len(t.scripts)
}
