package dispatcher

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/madappgang/claudish-proxy/internal/convstore"
)

// mergeInjectedMessages splices stored Injected Messages not already
// present (by uuid) into a conversation-sync JSON response body, stable-
// sorts the combined message list by index, and sets
// current_leaf_message_uuid to the last message's uuid (spec.md §4.D.4).
//
// Grounded on the teacher's use of gjson/sjson in internal/gpl/openai for
// byte-level field plucking and splicing without a full struct round-trip.
func mergeInjectedMessages(body []byte, injected []convstore.Message) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("dispatcher: sync-inject response is not valid JSON")
	}

	existing := gjson.GetBytes(body, "chat_messages")
	present := make(map[string]bool)
	existing.ForEach(func(_, v gjson.Result) bool {
		present[v.Get("uuid").String()] = true
		return true
	})

	type entry struct {
		index int
		raw   string
	}
	var combined []entry
	existing.ForEach(func(_, v gjson.Result) bool {
		combined = append(combined, entry{index: int(v.Get("index").Int()), raw: v.Raw})
		return true
	})

	var lastUUID string
	for _, msg := range injected {
		if present[msg.UUID] {
			continue
		}
		raw, err := injectedMessageJSON(msg)
		if err != nil {
			return nil, err
		}
		combined = append(combined, entry{index: msg.Index, raw: raw})
	}

	sort.SliceStable(combined, func(i, j int) bool { return combined[i].index < combined[j].index })
	if len(combined) > 0 {
		lastUUID = gjson.Parse(combined[len(combined)-1].raw).Get("uuid").String()
	}

	out := body
	rawMessages := "["
	for i, e := range combined {
		if i > 0 {
			rawMessages += ","
		}
		rawMessages += e.raw
	}
	rawMessages += "]"

	var err error
	out, err = sjson.SetRawBytes(out, "chat_messages", []byte(rawMessages))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: setting chat_messages: %w", err)
	}
	if lastUUID != "" {
		out, err = sjson.SetBytes(out, "current_leaf_message_uuid", lastUUID)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: setting current_leaf_message_uuid: %w", err)
		}
	}
	return out, nil
}

// injectedMessageJSON renders a stored Injected Message into the vendor's
// chat_messages entry shape.
func injectedMessageJSON(msg convstore.Message) (string, error) {
	raw := "{}"
	raw, err := sjson.Set(raw, "uuid", msg.UUID)
	if err != nil {
		return "", err
	}
	raw, err = sjson.Set(raw, "parent_message_uuid", msg.ParentMessageUUID)
	if err != nil {
		return "", err
	}
	raw, err = sjson.Set(raw, "index", msg.Index)
	if err != nil {
		return "", err
	}
	raw, err = sjson.Set(raw, "sender", string(msg.Sender))
	if err != nil {
		return "", err
	}
	raw, err = sjson.Set(raw, "text", msg.Text)
	if err != nil {
		return "", err
	}
	return raw, nil
}
