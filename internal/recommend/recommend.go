// Package recommend normalizes recommendation checklists into tagged items and
// groups them by classification or section.
package recommend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"auditdesk/api/internal/util"
)

// Item is one checklist recommendation. Section holds its single classification
// or section tag.
type Item struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
	Section string `json:"section"`
}

// tagAttributes are the input names a tag may arrive under, in priority order.
var tagAttributes = []string{"classification", "section", "sectionId"}

// Normalize turns any of the stored or generated recommendation shapes into items.
//
// Strings are decoded as JSON when possible; otherwise each non-empty line
// becomes one item. Lists map entry by entry. A legacy mapping keyed by section
// name is flattened. Items without a tag get fallbackTag; ids present on input
// are kept and generated ids never collide within the result.
func Normalize(raw any, fallbackTag string) []Item {
	n := normalizer{fallback: fallbackTag, seen: make(map[string]struct{})}
	entries := n.entries(raw, 0)
	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, n.finish(entry))
	}
	return items
}

type normalizer struct {
	fallback string
	seen     map[string]struct{}
}

// maxDepth bounds recursion through JSON strings that decode to JSON strings.
const maxDepth = 4

func (n *normalizer) entries(raw any, depth int) []Item {
	switch v := raw.(type) {
	case nil:
		return nil
	case []Item:
		out := make([]Item, len(v))
		copy(out, v)
		n.reserve(out)
		return out
	case json.RawMessage:
		return n.entries(string(v), depth)
	case []byte:
		return n.entries(string(v), depth)
	case string:
		return n.fromString(v, depth)
	case []string:
		out := make([]Item, 0, len(v))
		for _, text := range v {
			out = append(out, Item{Text: text})
		}
		return out
	case []map[string]any:
		out := make([]Item, 0, len(v))
		for _, record := range v {
			out = append(out, n.fromRecord(record))
		}
		return out
	case []any:
		out := make([]Item, 0, len(v))
		for _, entry := range v {
			switch e := entry.(type) {
			case nil:
				continue
			case map[string]any:
				out = append(out, n.fromRecord(e))
			case string:
				out = append(out, Item{Text: e})
			case Item:
				n.reserve([]Item{e})
				out = append(out, e)
			default:
				out = append(out, Item{Text: fmt.Sprint(e)})
			}
		}
		return out
	case map[string]any:
		if _, single := v["text"]; single {
			return []Item{n.fromRecord(v)}
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var out []Item
		for _, key := range keys {
			out = append(out, n.entries(v[key], depth)...)
		}
		return out
	default:
		return nil
	}
}

func (n *normalizer) fromString(text string, depth int) []Item {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if depth < maxDepth {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			switch decoded.(type) {
			case nil:
				return nil
			case []any, map[string]any, string:
				return n.entries(decoded, depth+1)
			}
		}
	}
	var out []Item
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, Item{Text: line})
	}
	return out
}

func (n *normalizer) fromRecord(record map[string]any) Item {
	item := Item{
		ID:      idOf(record["id"]),
		Text:    textOf(record),
		Checked: checkedOf(record["checked"]),
	}
	for _, name := range tagAttributes {
		if tag, ok := record[name].(string); ok && strings.TrimSpace(tag) != "" {
			item.Section = tag
			break
		}
	}
	if item.ID != "" {
		n.seen[item.ID] = struct{}{}
	}
	return item
}

func (n *normalizer) reserve(items []Item) {
	for _, item := range items {
		if item.ID != "" {
			n.seen[item.ID] = struct{}{}
		}
	}
}

// finish fills the generated id and default tag. Ids are assigned only after
// every explicit id of the batch has been reserved.
func (n *normalizer) finish(item Item) Item {
	if item.ID == "" {
		item.ID = n.newID()
	}
	if strings.TrimSpace(item.Section) == "" {
		item.Section = n.fallback
	}
	return item
}

func (n *normalizer) newID() string {
	for {
		id := util.NewID("rec")
		if _, taken := n.seen[id]; !taken {
			n.seen[id] = struct{}{}
			return id
		}
	}
}

func idOf(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func textOf(record map[string]any) string {
	for _, name := range []string{"text", "content", "recommendation"} {
		if value, ok := record[name]; ok && value != nil {
			if s, isString := value.(string); isString {
				return s
			}
			return fmt.Sprint(value)
		}
	}
	return ""
}

func checkedOf(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// EnsureTags returns a copy of items in which every untagged item carries defaultTag.
func EnsureTags(items []Item, defaultTag string) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Section) == "" {
			item.Section = defaultTag
		}
		out[i] = item
	}
	return out
}

// ReplaceScope swaps every item tagged scope for incoming, in place of the
// scope's first item (or at the end). Items of other scopes are kept as they
// are; incoming items are forced onto scope and re-identified on id collisions.
func ReplaceScope(items, incoming []Item, scope string) []Item {
	kept := make([]Item, 0, len(items))
	taken := make(map[string]struct{}, len(items))
	insertAt := -1
	for _, item := range items {
		if item.Section == scope {
			if insertAt < 0 {
				insertAt = len(kept)
			}
			continue
		}
		kept = append(kept, item)
		taken[item.ID] = struct{}{}
	}
	if insertAt < 0 {
		insertAt = len(kept)
	}

	replaced := make([]Item, 0, len(incoming))
	for _, item := range incoming {
		item.Section = scope
		if _, clash := taken[item.ID]; clash || item.ID == "" {
			item.ID = util.NewID("rec")
		}
		taken[item.ID] = struct{}{}
		replaced = append(replaced, item)
	}

	out := make([]Item, 0, len(kept)+len(replaced))
	out = append(out, kept[:insertAt]...)
	out = append(out, replaced...)
	out = append(out, kept[insertAt:]...)
	return out
}

// SetChecked toggles the completion flag of the item with id.
func SetChecked(items []Item, id string, checked bool) ([]Item, bool) {
	out := make([]Item, len(items))
	copy(out, items)
	for i := range out {
		if out[i].ID == id {
			out[i].Checked = checked
			return out, true
		}
	}
	return out, false
}
