package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/cuemby/configcore/pkg/coreerr"
)

// FilePriority is the default priority for records contributed by the
// local-file provider: the highest-priority provider by convention, so an
// operator's file-based override always wins over environment- or
// remote-sourced values at the same config name unless the file record
// itself specifies a lower priority.
const FilePriority int64 = 1_000_000_000_000_000_000

// wireRecord is the tolerant-JSON shape of one element in the file
// provider's array: key is required, priority optional (falls back to the
// provider's default), filter optional (empty map if absent), value
// required.
type wireRecord struct {
	Key      string            `json:"key"`
	Priority *int64            `json:"priority"`
	Filter   map[string]string `json:"filter"`
	Value    json.RawMessage   `json:"value"`
}

// FileProvider reads a JSON array of records from a single file on every
// Load call, in a dialect tolerant of "//" line comments, "/* */" block
// comments, and trailing commas before a closing "]" or "}" (hand-rolled
// comment/comma stripping ahead of encoding/json; see DESIGN.md). It has no
// incremental form: every Load reads the whole file and returns it as a
// full add set with no deletions, so a record removed from the file keeps
// its previously loaded entry in the store.
type FileProvider struct {
	path string
}

// NewFileProvider returns a provider reading records from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Name implements Provider.
func (p *FileProvider) Name() string { return "file" }

// DefaultPriority implements Provider.
func (p *FileProvider) DefaultPriority() int64 { return FilePriority }

// Load implements Provider. The returned version is a content hash of the
// file, so an unchanged file between cycles is cheap to detect by the
// caller (the store re-applies it regardless, since re-applying the same
// plan twice is idempotent, but callers wanting to skip work can compare
// lastVersion themselves).
func (p *FileProvider) Load(ctx context.Context, lastVersion string) ([]Record, []Deletion, string, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, lastVersion, nil
		}
		return nil, nil, "", coreerr.Wrap(coreerr.FileRead, "reading "+p.path, err)
	}

	cleaned := stripJSONComments(raw)
	var records []wireRecord
	if err := json.Unmarshal(cleaned, &records); err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.Parse, "parsing "+p.path, err)
	}

	adds := make([]Record, 0, len(records))
	for _, r := range records {
		priority := p.DefaultPriority()
		if r.Priority != nil {
			priority = *r.Priority
		}
		adds = append(adds, Record{
			Name:     r.Key,
			Priority: priority,
			Filter:   r.Filter,
			Value:    r.Value,
		})
	}

	sum := sha256.Sum256(cleaned)
	return adds, nil, hex.EncodeToString(sum[:]), nil
}

// stripJSONComments removes "//" and "/* */" comments and trailing commas
// before a closing ']' or '}', byte by byte, respecting string literals so
// a comment marker or comma inside a quoted value is never touched.
func stripJSONComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			i-- // re-process the newline through the loop increment
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i++ // land on the closing '/'
		default:
			out = append(out, c)
		}
	}

	return stripTrailingCommas(out)
}

// stripTrailingCommas removes a comma that is followed (ignoring
// whitespace) only by a closing ']' or '}', which encoding/json otherwise
// rejects.
func stripTrailingCommas(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(src) && isJSONSpace(src[j]) {
				j++
			}
			if j < len(src) && (src[j] == ']' || src[j] == '}') {
				continue // drop the comma
			}
		}
		out = append(out, c)
	}
	return out
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
