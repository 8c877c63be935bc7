package conversation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OptionKind distinguishes how a menu option is answered.
type OptionKind string

const (
	OptionButton    OptionKind = "button"
	OptionListItem  OptionKind = "list_item"
	OptionLinkReply OptionKind = "link_reply"
)

// MenuOption is one selectable entry of a structured menu.
type MenuOption struct {
	ID   string
	Kind OptionKind
	// Text is what gets sent back when the option is chosen: the label for
	// buttons and link replies, the title for list items.
	Text string
	URL  string
}

// Menu is a structured button or list payload.
type Menu struct {
	Text    string
	Options []MenuOption
	Raw     json.RawMessage
}

// Option finds an option by id.
func (m *Menu) Option(id string) (MenuOption, bool) {
	if m == nil {
		return MenuOption{}, false
	}
	for _, opt := range m.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return MenuOption{}, false
}

// decodeMenuContent interprets a ButtonMenu variant. Objects carrying "menu"
// or "buttonList" become a Menu; objects with only "message" and anything
// that is not JSON become text.
func decodeMenuContent(raw json.RawMessage) Payload {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}
	}

	var content any
	if err := json.Unmarshal(raw, &content); err != nil {
		return Payload{Text: string(raw)}
	}

	if arr, ok := content.([]any); ok {
		if len(arr) == 0 {
			return Payload{}
		}
		content = arr[0]
		raw, _ = json.Marshal(content)
	}

	if s, ok := content.(string); ok {
		// string variants may themselves hold JSON, possibly escaped
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			if _, isObj := inner.(map[string]any); isObj {
				return decodeMenuContent(json.RawMessage(s))
			}
		}
		decoded := Display(s)
		if err := json.Unmarshal([]byte(decoded), &inner); err == nil {
			if _, isObj := inner.(map[string]any); isObj {
				return decodeMenuContent(json.RawMessage(decoded))
			}
		}
		return Payload{Text: s}
	}

	obj, ok := content.(map[string]any)
	if !ok {
		return Payload{Text: fmt.Sprint(content)}
	}
	_, hasMenu := obj["menu"]
	_, hasButtons := obj["buttonList"]
	if hasMenu || hasButtons {
		menu := &Menu{Raw: append(json.RawMessage(nil), raw...)}
		menu.Text = menuText(obj)
		collectOptions(obj, &menu.Options)
		return Payload{Menu: menu}
	}
	if msg, ok := obj["message"]; ok && msg != nil {
		return Payload{Text: fmt.Sprint(msg)}
	}
	return Payload{Text: string(raw)}
}

func menuText(obj map[string]any) string {
	if s, ok := obj["message"].(string); ok && s != "" {
		return s
	}
	for _, key := range []string{"menu", "buttonList"} {
		inner, ok := obj[key].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"text", "body", "title", "header"} {
			if s, ok := inner[field].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// collectOptions walks the decoded tree. Objects with an id plus a title are
// list items; with an id plus a label they are buttons, or link replies when
// they also carry a url.
func collectOptions(node any, out *[]MenuOption) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			collectOptions(item, out)
		}
	case map[string]any:
		if opt, ok := optionFrom(v); ok {
			*out = append(*out, opt)
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectOptions(v[k], out)
		}
	}
}

func optionFrom(obj map[string]any) (MenuOption, bool) {
	rawID, ok := obj["id"]
	if !ok || rawID == nil {
		return MenuOption{}, false
	}
	id := fmt.Sprint(rawID)
	if label, ok := obj["label"].(string); ok && label != "" {
		opt := MenuOption{ID: id, Kind: OptionButton, Text: label}
		for _, field := range []string{"url", "link"} {
			if u, ok := obj[field].(string); ok && u != "" {
				opt.Kind = OptionLinkReply
				opt.URL = u
			}
		}
		return opt, true
	}
	if title, ok := obj["title"].(string); ok && title != "" {
		return MenuOption{ID: id, Kind: OptionListItem, Text: title}, true
	}
	return MenuOption{}, false
}
