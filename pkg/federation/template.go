package federation

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderContext carries the values a field template may reference. Only plain
// value interpolation is reachable from it; attacker-controlled attribute
// values are substituted verbatim, never evaluated.
type RenderContext struct {
	Realm      string
	Attributes AttributeBag
	IdP        *IdPSettings
}

// Render substitutes {realm}, {attributes[name]}, {attributes[name][i]} and
// {idp[FIELD]} references in tpl. Doubled braces escape literal braces.
// A missing attribute, out-of-range index or malformed reference returns an
// error; callers treat it as a recoverable per-field failure.
func Render(tpl string, ctx RenderContext) (string, error) {
	var out strings.Builder
	for i := 0; i < len(tpl); {
		switch c := tpl[i]; c {
		case '{':
			if i+1 < len(tpl) && tpl[i+1] == '{' {
				out.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(tpl[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated reference at offset %d", i)
			}
			value, err := resolveRef(tpl[i+1:i+end], ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(tpl) && tpl[i+1] == '}' {
				out.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

// resolveRef evaluates one brace reference, e.g. "attributes[email][0]".
func resolveRef(ref string, ctx RenderContext) (string, error) {
	name, indices, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	switch name {
	case "realm":
		if len(indices) != 0 {
			return "", fmt.Errorf("realm is not indexable in %q", ref)
		}
		return ctx.Realm, nil
	case "idp":
		if len(indices) != 1 {
			return "", fmt.Errorf("idp reference needs exactly one field in %q", ref)
		}
		if ctx.IdP == nil {
			return "", fmt.Errorf("no idp bound for %q", ref)
		}
		switch indices[0] {
		case "ENTITY_ID":
			return ctx.IdP.EntityID, nil
		case "REALM":
			return ctx.IdP.Realm, nil
		case "METADATA_URL":
			return ctx.IdP.MetadataURL, nil
		}
		return "", fmt.Errorf("unknown idp field %q", indices[0])
	case "attributes":
		if len(indices) == 0 || len(indices) > 2 {
			return "", fmt.Errorf("attribute reference needs one or two indices in %q", ref)
		}
		values := ctx.Attributes.Values(indices[0])
		if len(values) == 0 {
			return "", fmt.Errorf("attribute %q is absent", indices[0])
		}
		if len(indices) == 1 {
			if len(values) > 1 {
				return "", fmt.Errorf("attribute %q is multi-valued, an index is required", indices[0])
			}
			return values[0], nil
		}
		n, err := strconv.Atoi(indices[1])
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid index %q for attribute %q", indices[1], indices[0])
		}
		if n >= len(values) {
			return "", fmt.Errorf("index %d out of range for attribute %q (%d values)", n, indices[0], len(values))
		}
		return values[n], nil
	}
	return "", fmt.Errorf("unknown reference %q", name)
}

// parseRef splits "name[a][b]" into its root name and index chain.
func parseRef(ref string) (string, []string, error) {
	open := strings.IndexByte(ref, '[')
	if open < 0 {
		if ref == "" {
			return "", nil, fmt.Errorf("empty reference")
		}
		return ref, nil, nil
	}
	name := ref[:open]
	if name == "" {
		return "", nil, fmt.Errorf("empty reference name in %q", ref)
	}
	var indices []string
	rest := ref[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed index chain in %q", ref)
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, fmt.Errorf("unterminated index in %q", ref)
		}
		idx := rest[1:close]
		if idx == "" {
			return "", nil, fmt.Errorf("empty index in %q", ref)
		}
		indices = append(indices, idx)
		rest = rest[close+1:]
	}
	return name, indices, nil
}

// truncate limits a rendered value to max characters. Zero or negative max
// means unbounded.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
