package notebook

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// CurrentSchemaVersion is the document schema written by this package.
const CurrentSchemaVersion uint32 = 1

// CellKind is the kind of content a cell holds.
type CellKind string

const (
	CellSQL      CellKind = "sql"
	CellMarkdown CellKind = "markdown"
)

// Notebook is a user-authored document of ordered cells.
type Notebook struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Cells             []Cell    `json:"cells"`
	Metadata          Metadata  `json:"metadata"`
	ExternalPublishID *string   `json:"external_publish_id,omitempty"`
}

// Metadata holds document-level attributes. Tags and DataSources are sets,
// kept sorted and free of duplicates.
type Metadata struct {
	Tags          []string `json:"tags"`
	DataSources   []string `json:"data_sources"`
	SchemaVersion uint32   `json:"schema_version"`
}

// Cell is one unit of notebook content.
type Cell struct {
	ID         uuid.UUID   `json:"id"`
	Kind       CellKind    `json:"kind"`
	Content    string      `json:"content"`
	LastOutput *CellOutput `json:"last_output,omitempty"`
}

// CellOutput is the last result of running a cell. Exactly one of the
// variants is set.
type CellOutput struct {
	Query    *QueryOutput
	Markdown *MarkdownOutput
	Error    *ErrorOutput
}

// QueryOutput is the result of a SQL cell. Rows is kept as raw JSON so
// values survive storage unchanged.
type QueryOutput struct {
	Columns         []string        `json:"columns"`
	Rows            json.RawMessage `json:"rows"`
	TotalRows       uint64          `json:"total_rows"`
	ExecutionTimeMS uint64          `json:"execution_time_ms"`
	Truncated       bool            `json:"truncated"`
}

// MarkdownOutput is rendered markdown.
type MarkdownOutput struct {
	HTML string `json:"html"`
}

// ErrorOutput is a failed cell run.
type ErrorOutput struct {
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

type cellOutputJSON struct {
	Type string `json:"type"`
	*QueryOutput
	*MarkdownOutput
	*ErrorOutput
}

// MarshalJSON encodes the set variant with a "type" discriminator.
func (o CellOutput) MarshalJSON() ([]byte, error) {
	switch {
	case o.Query != nil:
		return json.Marshal(cellOutputJSON{Type: "query", QueryOutput: o.Query})
	case o.Markdown != nil:
		return json.Marshal(cellOutputJSON{Type: "markdown", MarkdownOutput: o.Markdown})
	case o.Error != nil:
		return json.Marshal(cellOutputJSON{Type: "error", ErrorOutput: o.Error})
	default:
		return nil, fmt.Errorf("cell output has no variant set")
	}
}

// UnmarshalJSON decodes a "type"-tagged cell output.
func (o *CellOutput) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}

	*o = CellOutput{}
	switch head.Type {
	case "query":
		o.Query = &QueryOutput{}
		return json.Unmarshal(b, o.Query)
	case "markdown":
		o.Markdown = &MarkdownOutput{}
		return json.Unmarshal(b, o.Markdown)
	case "error":
		o.Error = &ErrorOutput{}
		return json.Unmarshal(b, o.Error)
	default:
		return fmt.Errorf("unknown cell output type %q", head.Type)
	}
}

// Summary is a notebook without its cells, used for listing.
type Summary struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Metadata          Metadata  `json:"metadata"`
	ExternalPublishID *string   `json:"external_publish_id,omitempty"`
	CellCount         int       `json:"cell_count"`
}

// Summary projects nb.
func (nb *Notebook) Summary() Summary {
	return Summary{
		ID:                nb.ID,
		Title:             nb.Title,
		CreatedAt:         nb.CreatedAt,
		UpdatedAt:         nb.UpdatedAt,
		Metadata:          nb.Metadata,
		ExternalPublishID: nb.ExternalPublishID,
		CellCount:         len(nb.Cells),
	}
}

// normalize assigns missing ids and canonicalises set fields.
func (nb *Notebook) normalize() {
	if nb.ID == uuid.Nil {
		nb.ID = uuid.New()
	}
	for i := range nb.Cells {
		if nb.Cells[i].ID == uuid.Nil {
			nb.Cells[i].ID = uuid.New()
		}
	}
	nb.Metadata.Tags = normalizeSet(nb.Metadata.Tags)
	nb.Metadata.DataSources = normalizeSet(nb.Metadata.DataSources)
	if nb.Metadata.SchemaVersion == 0 {
		nb.Metadata.SchemaVersion = CurrentSchemaVersion
	}
	if nb.Cells == nil {
		nb.Cells = []Cell{}
	}
}

func normalizeSet(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		return []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
