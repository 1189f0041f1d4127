package telemetry

import (
	"strings"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// FromPayload maps a free-form telemetry body onto a UsageEvent.
//
// event_type (or event) names the event; payload (or metadata) becomes the
// metadata. pseudo_user_id, query_hash, confidence, anchors, citations and
// event_time are picked up when well-typed. Every other top-level key is
// folded into the metadata so nothing the client sent is lost.
func FromPayload(body map[string]any) schema.UsageEvent {
	ev := schema.UsageEvent{EventType: DefaultEventType}
	md := map[string]any{}
	handled := map[string]bool{}

	take := func(key string) (any, bool) {
		v, ok := body[key]
		if ok {
			handled[key] = true
		}
		return v, ok
	}

	named := false
	for _, k := range []string{"event_type", "event"} {
		if v, ok := take(k); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" && !named {
				ev.EventType = strings.TrimSpace(s)
				named = true
			}
		}
	}
	for _, k := range []string{"payload", "metadata"} {
		if v, ok := take(k); ok {
			switch v := v.(type) {
			case map[string]any:
				for mk, mv := range v {
					md[mk] = mv
				}
			case nil:
			default:
				md[k] = v
			}
		}
	}

	if v, ok := take("pseudo_user_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			ev.PseudoUserID = schema.Ptr(s)
		}
	}
	if v, ok := take("query_hash"); ok {
		if s, ok := v.(string); ok && s != "" {
			ev.QueryHash = schema.Ptr(s)
		}
	}
	if v, ok := take("confidence"); ok {
		if f, ok := v.(float64); ok {
			ev.Confidence = schema.Ptr(f)
		}
	}
	if v, ok := take("event_time"); ok {
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				ev.EventTime = ts.UTC()
			}
		}
	}
	if v, ok := take("anchors"); ok {
		if list, ok := v.([]any); ok {
			for _, a := range list {
				if s, ok := a.(string); ok {
					ev.Anchors = append(ev.Anchors, s)
				}
			}
		}
	}
	if v, ok := take("citations"); ok {
		ev.Citations = citations(v)
	}

	for k, v := range body {
		if !handled[k] {
			md[k] = v
		}
	}
	if len(md) > 0 {
		ev.Metadata = md
	}
	return ev
}

func citations(v any) []schema.Citation {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []schema.Citation
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		url, _ := m["url"].(string)
		if url == "" {
			continue
		}
		c := schema.Citation{URL: url}
		if s, ok := m["anchor"].(string); ok {
			c.Anchor = schema.Ptr(s)
		}
		if s, ok := m["snippet"].(string); ok {
			c.Snippet = schema.Ptr(s)
		}
		out = append(out, c)
	}
	return out
}
