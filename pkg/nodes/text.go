package nodes

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type textConfig struct {
	// Operation selects the transform: upper, lower, title, capitalize,
	// trim, normalize, base64encode, base64decode, length, replace, split,
	// join.
	Operation string `json:"operation"`

	// Value is a literal input; when empty the node reads the "in" DATA
	// port, then the SourceVar context variable.
	Value     string `json:"value"`
	SourceVar string `json:"sourceVar"`

	// ResultVar names the context variable receiving the result; empty
	// stores nothing beyond the node output.
	ResultVar string `json:"resultVar"`

	// Replace operands.
	Old string `json:"old"`
	New string `json:"new"`

	// Separator for split and join.
	Separator string `json:"separator"`
}

var titleCaser = cases.Title(language.Und)

// textFactory builds the text transform handler.
func textFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg textConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Operation == "" {
		return nil, fmt.Errorf("text node %s has no operation", node.ID)
	}

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		source, err := resolveTextInput(cfg, in)
		if err != nil {
			return nil, err
		}

		var result any
		switch cfg.Operation {
		case "upper":
			result = strings.ToUpper(source)
		case "lower":
			result = strings.ToLower(source)
		case "title":
			result = titleCaser.String(source)
		case "capitalize":
			result = capitalize(source)
		case "trim":
			result = strings.TrimSpace(source)
		case "normalize":
			result = removeDiacritics(source)
		case "base64encode":
			result = base64.StdEncoding.EncodeToString([]byte(source))
		case "base64decode":
			decoded, decodeErr := base64.StdEncoding.DecodeString(source)
			if decodeErr != nil {
				return nil, fmt.Errorf("base64 decode failed: %w", decodeErr)
			}
			result = string(decoded)
		case "length":
			result = utf8.RuneCountInString(source)
		case "replace":
			result = strings.ReplaceAll(source, cfg.Old, cfg.New)
		case "split":
			parts := strings.Split(source, cfg.Separator)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			result = out
		case "join":
			list, ok := in.Value("items", nil).([]any)
			if !ok {
				return nil, fmt.Errorf("join needs an items list on the in port")
			}
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = fmt.Sprint(item)
			}
			result = strings.Join(parts, cfg.Separator)
		default:
			return nil, fmt.Errorf("unknown text operation %q", cfg.Operation)
		}

		if cfg.ResultVar != "" {
			in.Context.Set(cfg.ResultVar, result)
		}
		return execution.Success(map[string]any{"result": result}), nil
	}), nil
}

func resolveTextInput(cfg textConfig, in execution.Input) (string, error) {
	if cfg.Value != "" {
		return cfg.Value, nil
	}
	if v, ok := in.Values["in"]; ok {
		return fmt.Sprint(v), nil
	}
	if cfg.SourceVar != "" {
		if v, ok := in.Context.Lookup(cfg.SourceVar); ok {
			return fmt.Sprint(v), nil
		}
		return "", fmt.Errorf("source variable %s is not set", cfg.SourceVar)
	}
	return "", nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// removeDiacritics folds accented characters to their base form by NFD
// decomposition and dropping the combining marks.
func removeDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
