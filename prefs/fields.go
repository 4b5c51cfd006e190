package prefs

import (
	"fmt"
	"math"
	"slices"

	"google.golang.org/protobuf/types/known/structpb"
)

// Theme values.
const (
	ThemeLight  = "light"
	ThemeDark   = "dark"
	ThemeSystem = "system"
)

// Preferences is the full typed preference set.
type Preferences struct {
	Theme      string     `json:"theme"`
	Editor     Editor     `json:"editor"`
	Query      Query      `json:"query"`
	Publishing Publishing `json:"publishing"`
}

// Editor holds editor preferences.
type Editor struct {
	FontSize     uint32 `json:"font_size"`
	TabSize      uint32 `json:"tab_size"`
	LineNumbers  bool   `json:"line_numbers"`
	WordWrap     bool   `json:"word_wrap"`
	Autocomplete bool   `json:"autocomplete"`
}

// Query holds query execution preferences.
type Query struct {
	MaxRows        uint32 `json:"max_rows"`
	TimeoutSeconds uint32 `json:"timeout_seconds"`
	AutoRun        bool   `json:"auto_run"`
}

// Publishing holds preferences for publishing notebooks.
type Publishing struct {
	Relays      []string `json:"relays"`
	AutoPublish bool     `json:"auto_publish"`
	PublicKey   string   `json:"public_key,omitempty"`
}

// Defaults returns the compiled-in preferences.
func Defaults() Preferences {
	return Preferences{
		Theme: ThemeSystem,
		Editor: Editor{
			FontSize:     14,
			TabSize:      2,
			LineNumbers:  true,
			WordWrap:     false,
			Autocomplete: true,
		},
		Query: Query{
			MaxRows:        10000,
			TimeoutSeconds: 30,
			AutoRun:        false,
		},
		Publishing: Publishing{
			Relays: []string{},
		},
	}
}

// field is one stored preference: a key, how to read it from Preferences
// and how to apply a stored value to Preferences.
type field struct {
	key string
	get func(*Preferences) *structpb.Value
	set func(*Preferences, *structpb.Value) error
}

var fields = []field{
	enumField("theme", func(p *Preferences) *string { return &p.Theme }, ThemeLight, ThemeDark, ThemeSystem),
	uintField("editor.font_size", func(p *Preferences) *uint32 { return &p.Editor.FontSize }, 6, 72),
	uintField("editor.tab_size", func(p *Preferences) *uint32 { return &p.Editor.TabSize }, 1, 16),
	boolField("editor.line_numbers", func(p *Preferences) *bool { return &p.Editor.LineNumbers }),
	boolField("editor.word_wrap", func(p *Preferences) *bool { return &p.Editor.WordWrap }),
	boolField("editor.autocomplete", func(p *Preferences) *bool { return &p.Editor.Autocomplete }),
	uintField("query.max_rows", func(p *Preferences) *uint32 { return &p.Query.MaxRows }, 1, 10_000_000),
	uintField("query.timeout_seconds", func(p *Preferences) *uint32 { return &p.Query.TimeoutSeconds }, 1, 3600),
	boolField("query.auto_run", func(p *Preferences) *bool { return &p.Query.AutoRun }),
	listField("publishing.relays", func(p *Preferences) *[]string { return &p.Publishing.Relays }),
	boolField("publishing.auto_publish", func(p *Preferences) *bool { return &p.Publishing.AutoPublish }),
	stringField("publishing.public_key", func(p *Preferences) *string { return &p.Publishing.PublicKey }),
}

func lookup(key string) (*field, bool) {
	for i := range fields {
		if fields[i].key == key {
			return &fields[i], true
		}
	}
	return nil, false
}

// Keys lists every preference key.
func Keys() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.key
	}
	return out
}

func stringField(key string, ptr func(*Preferences) *string) field {
	return field{
		key: key,
		get: func(p *Preferences) *structpb.Value { return structpb.NewStringValue(*ptr(p)) },
		set: func(p *Preferences, v *structpb.Value) error {
			s, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return fmt.Errorf("%s: want string", key)
			}
			*ptr(p) = s.StringValue
			return nil
		},
	}
}

func enumField(key string, ptr func(*Preferences) *string, allowed ...string) field {
	f := stringField(key, ptr)
	set := f.set
	f.set = func(p *Preferences, v *structpb.Value) error {
		if !slices.Contains(allowed, v.GetStringValue()) {
			return fmt.Errorf("%s: want one of %v", key, allowed)
		}
		return set(p, v)
	}
	return f
}

func uintField(key string, ptr func(*Preferences) *uint32, lo, hi uint32) field {
	return field{
		key: key,
		get: func(p *Preferences) *structpb.Value { return structpb.NewNumberValue(float64(*ptr(p))) },
		set: func(p *Preferences, v *structpb.Value) error {
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return fmt.Errorf("%s: want number", key)
			}
			f := n.NumberValue
			if f != math.Trunc(f) || f < float64(lo) || f > float64(hi) {
				return fmt.Errorf("%s: want integer in [%d, %d], got %v", key, lo, hi, f)
			}
			*ptr(p) = uint32(f)
			return nil
		},
	}
}

func boolField(key string, ptr func(*Preferences) *bool) field {
	return field{
		key: key,
		get: func(p *Preferences) *structpb.Value { return structpb.NewBoolValue(*ptr(p)) },
		set: func(p *Preferences, v *structpb.Value) error {
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return fmt.Errorf("%s: want bool", key)
			}
			*ptr(p) = b.BoolValue
			return nil
		},
	}
}

func listField(key string, ptr func(*Preferences) *[]string) field {
	return field{
		key: key,
		get: func(p *Preferences) *structpb.Value {
			items := make([]*structpb.Value, len(*ptr(p)))
			for i, s := range *ptr(p) {
				items[i] = structpb.NewStringValue(s)
			}
			return structpb.NewListValue(&structpb.ListValue{Values: items})
		},
		set: func(p *Preferences, v *structpb.Value) error {
			l, ok := v.GetKind().(*structpb.Value_ListValue)
			if !ok {
				return fmt.Errorf("%s: want list of strings", key)
			}
			out := make([]string, 0, len(l.ListValue.GetValues()))
			for _, item := range l.ListValue.GetValues() {
				s, ok := item.GetKind().(*structpb.Value_StringValue)
				if !ok {
					return fmt.Errorf("%s: want list of strings", key)
				}
				out = append(out, s.StringValue)
			}
			*ptr(p) = out
			return nil
		},
	}
}
