package persona

import (
	"fmt"
	"strings"
)

// Part is the persona a conversation is held with. Parts are owned by an
// internal system and are read-only here.
type Part struct {
	ID          string   `json:"id"`
	SystemID    string   `json:"system_id"`
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Feelings    []string `json:"feelings,omitempty"`
	Beliefs     []string `json:"beliefs,omitempty"`
	Triggers    []string `json:"triggers,omitempty"`
	Needs       []string `json:"needs,omitempty"`
}

// Turn is one prior line of a conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// PartFromRecord reads a Part out of a storage row. List attributes may
// arrive as []string, []any or a JSON-ish text array depending on backend.
func PartFromRecord(rec map[string]any) Part {
	return Part{
		ID:          stringField(rec, "id"),
		SystemID:    stringField(rec, "system_id"),
		Name:        stringField(rec, "name"),
		Role:        stringField(rec, "role"),
		Description: stringField(rec, "description"),
		Feelings:    listField(rec, "feelings"),
		Beliefs:     listField(rec, "beliefs"),
		Triggers:    listField(rec, "triggers"),
		Needs:       listField(rec, "needs"),
	}
}

// Attributes returns the part's non-empty descriptive attributes keyed by
// name, plus a combined "personality" summary. These are the inputs for
// personality vectors when a caller supplies none.
func (p Part) Attributes() map[string]string {
	out := map[string]string{}
	add := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	add("role", p.Role)
	add("description", p.Description)
	add("feelings", strings.Join(p.Feelings, ", "))
	add("beliefs", strings.Join(p.Beliefs, ", "))
	add("triggers", strings.Join(p.Triggers, ", "))
	add("needs", strings.Join(p.Needs, ", "))
	add("personality", p.Summary())
	return out
}

// Summary renders the part as a single descriptive paragraph.
func (p Part) Summary() string {
	var parts []string
	if p.Name != "" {
		parts = append(parts, "Name: "+p.Name)
	}
	if p.Role != "" {
		parts = append(parts, "Role: "+p.Role)
	}
	if p.Description != "" {
		parts = append(parts, "Description: "+p.Description)
	}
	if len(p.Feelings) > 0 {
		parts = append(parts, "Feelings: "+strings.Join(p.Feelings, ", "))
	}
	if len(p.Beliefs) > 0 {
		parts = append(parts, "Beliefs: "+strings.Join(p.Beliefs, ", "))
	}
	if len(p.Triggers) > 0 {
		parts = append(parts, "Triggers: "+strings.Join(p.Triggers, ", "))
	}
	if len(p.Needs) > 0 {
		parts = append(parts, "Needs: "+strings.Join(p.Needs, ", "))
	}
	return strings.Join(parts, " ")
}

func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func listField(rec map[string]any, key string) []string {
	var out []string
	switch v := rec[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
	case string:
		// Postgres text[] literal: {a,b}
		trimmed := strings.Trim(v, "{}[]")
		for _, item := range strings.Split(trimmed, ",") {
			out = append(out, strings.Trim(strings.TrimSpace(item), `"`))
		}
	}
	clean := out[:0]
	for _, s := range out {
		if strings.TrimSpace(s) != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}
