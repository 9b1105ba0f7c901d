package parser

import (
	"strings"

	"github.com/valyala/fastjson"
)

// Record is the structured result of parsing one log line.
// The canonical fields are normalized copies resolved through the vendor
// alias table; Fields preserves every parsed field under its original
// vendor name so exports can reproduce exactly what was observed.
type Record struct {
	RemoteIP    string
	DestPort    string
	Status      string
	Result      string
	Action      string
	Disposition string
	Country     string
	Timestamp   string

	Fields map[string]string
}

// Vendor alias tables, in resolution order. The first present non-empty
// field wins.
var (
	remoteIPAliases    = []string{"remip", "srcip", "src", "remote_ip"}
	destPortAliases    = []string{"dstport", "dest_port", "port"}
	countryAliases     = []string{"srccountry", "src_country", "country"}
	timestampAliases   = []string{"eventtime", "timestamp", "logtime"}
	statusAliases      = []string{"status"}
	resultAliases      = []string{"result"}
	actionAliases      = []string{"action"}
	dispositionAliases = []string{"disposition"}
)

var jsonPool fastjson.ParserPool

// ParseLine tokenizes one raw log line into a Record.
// The second return value is false when the line should be skipped:
// empty or whitespace-only input, or input where no token matched the
// name=value shape.
func ParseLine(line string) (Record, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Record{}, false
	}

	if trimmed[0] == '{' {
		return parseJSONLine(trimmed)
	}

	fields := make(map[string]string)
	for _, tok := range splitTokens(trimmed) {
		tok = strings.TrimSpace(tok)
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			continue // not name=value shaped
		}
		name := tok[:eq]
		if !isBareword(name) {
			continue
		}
		// Duplicate field names: the later occurrence wins.
		fields[name] = unquote(tok[eq+1:])
	}

	if len(fields) == 0 {
		return Record{}, false
	}
	return normalize(fields), true
}

// parseJSONLine handles vendors that emit one JSON object per line.
// Only scalar members become fields; nested objects and arrays are ignored.
func parseJSONLine(line string) (Record, bool) {
	p := jsonPool.Get()
	defer jsonPool.Put(p)

	v, err := p.Parse(line)
	if err != nil || v.Type() != fastjson.TypeObject {
		return Record{}, false
	}
	obj, err := v.Object()
	if err != nil {
		return Record{}, false
	}

	fields := make(map[string]string)
	obj.Visit(func(key []byte, val *fastjson.Value) {
		switch val.Type() {
		case fastjson.TypeString:
			sb, _ := val.StringBytes()
			fields[string(key)] = string(sb)
		case fastjson.TypeNumber, fastjson.TypeTrue, fastjson.TypeFalse:
			fields[string(key)] = val.String()
		}
	})

	if len(fields) == 0 {
		return Record{}, false
	}
	return normalize(fields), true
}

// splitTokens splits a line at each space that is immediately followed by a
// bare-word token and an '='. Spaces inside quoted values never match that
// shape, so they do not cause a false split.
func splitTokens(s string) []string {
	var toks []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		if s[i] == ' ' && startsToken(s[i+1:]) {
			toks = append(toks, s[start:i])
			start = i + 1
		}
	}
	return append(toks, s[start:])
}

// startsToken reports whether s begins with a bare-word token followed by '='.
func startsToken(s string) bool {
	i := 0
	for i < len(s) && isBarewordByte(s[i]) {
		i++
	}
	return i > 0 && i < len(s) && s[i] == '='
}

func isBareword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isBarewordByte(s[i]) {
			return false
		}
	}
	return true
}

func isBarewordByte(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '_' || b == '-' || b == '.'
}

// unquote strips a single pair of surrounding double quotes, if present.
// Interior spaces and quotes are preserved as-is.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// normalize builds a Record from raw fields, resolving vendor aliases into
// the canonical fields.
func normalize(fields map[string]string) Record {
	rec := Record{
		RemoteIP:    firstOf(fields, remoteIPAliases),
		DestPort:    firstOf(fields, destPortAliases),
		Status:      firstOf(fields, statusAliases),
		Result:      firstOf(fields, resultAliases),
		Action:      firstOf(fields, actionAliases),
		Disposition: firstOf(fields, dispositionAliases),
		Country:     firstOf(fields, countryAliases),
		Fields:      fields,
	}

	// Some vendors split the timestamp across date= and time= fields.
	if d, t := fields["date"], fields["time"]; d != "" && t != "" {
		rec.Timestamp = d + " " + t
	} else {
		rec.Timestamp = firstOf(fields, timestampAliases)
	}
	return rec
}

func firstOf(fields map[string]string, names []string) string {
	for _, name := range names {
		if v := fields[name]; v != "" {
			return v
		}
	}
	return ""
}
