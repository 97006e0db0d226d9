package router

import (
	"encoding/json"
	"regexp"
	"strings"
)

// decode parses body as a JSON object, reporting ok=false on any decode
// failure (including a body that decodes to something other than an
// object) so every JSON-based matcher can independently treat that as "no
// match" instead of the router deciding it up front — mirrors
// basic_matchers.py's json_matcher/json_mdict_matcher, which each do their
// own json.loads and return false on a ValueError.
func decode(body []byte) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// FieldEquals matches when the body decodes as JSON and doc[field] equals
// value exactly (==, not deep-equal for composite types). A body that
// isn't a JSON object simply doesn't match — mirrors json_matcher.
func FieldEquals(field string, value any) Matcher {
	return func(body []byte) bool {
		doc, ok := decode(body)
		if !ok {
			return false
		}
		v, ok := doc[field]
		return ok && v == value
	}
}

// PathEquals matches a dotted path into nested JSON objects, e.g.
// "payload.event.type", against value. Mirrors json_mdict_matcher walking
// a dict of dicts one key at a time; false on decode failure or any
// missing/non-object intermediate segment.
func PathEquals(path string, value any) Matcher {
	keys := strings.Split(path, ".")
	return func(body []byte) bool {
		doc, ok := decode(body)
		if !ok {
			return false
		}
		var cur any = doc
		for _, k := range keys {
			m, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			cur, ok = m[k]
			if !ok {
				return false
			}
		}
		return cur == value
	}
}

// BodyMatches matches pattern directly against the raw message body,
// undecoded — mirrors regex_matcher, which runs re.match against the raw
// message rather than a parsed field.
func BodyMatches(pattern *regexp.Regexp) Matcher {
	return func(body []byte) bool {
		return pattern.Match(body)
	}
}

// FieldMatches matches when the body decodes as JSON and doc[field] is a
// string matched by pattern. Not one of basic_matchers.py's predicates
// (which only regexes the raw body, via BodyMatches above) but a useful
// extra shape built the same way as the other JSON matchers here.
func FieldMatches(field string, pattern *regexp.Regexp) Matcher {
	return func(body []byte) bool {
		doc, ok := decode(body)
		if !ok {
			return false
		}
		v, ok := doc[field]
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		return pattern.MatchString(s)
	}
}

// All combines matchers with logical AND, short-circuiting on the first
// failure. Mirrors multi_matcher.
func All(matchers ...Matcher) Matcher {
	return func(body []byte) bool {
		for _, m := range matchers {
			if !m(body) {
				return false
			}
		}
		return true
	}
}

// Any combines matchers with logical OR.
func Any(matchers ...Matcher) Matcher {
	return func(body []byte) bool {
		for _, m := range matchers {
			if m(body) {
				return true
			}
		}
		return false
	}
}

// Always matches every message, JSON or not. Useful for a catch-all or
// default route.
func Always([]byte) bool { return true }
