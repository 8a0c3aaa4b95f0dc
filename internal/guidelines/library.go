package guidelines

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Guideline is one discrete compliance rule checked independently against the
// submitted documents.
type Guideline struct {
	ID             string
	Title          string
	RegulationText string
}

// Set is an ordered collection of guidelines; order is declaration order in
// the library file and is preserved into job slots.
type Set struct {
	ID         string
	Title      string
	Guidelines []Guideline
}

// Library holds the prompt texts and guideline sets loaded from the XML
// library file. It is read once at startup and read-only afterwards.
type Library struct {
	SystemPrompt  string
	GeneralPrompt string
	sets          map[string]Set
	order         []string
}

// ErrSetNotFound is returned when a guideline set id is unknown.
var ErrSetNotFound = errors.New("guideline set not found")

type xmlLibrary struct {
	XMLName       xml.Name   `xml:"prompt_library"`
	SystemPrompt  string     `xml:"system_prompt"`
	GeneralPrompt xmlGeneral `xml:"general_analysis_prompt"`
	Sets          []xmlSet   `xml:"guideline_set"`
}

type xmlGeneral struct {
	SystemPrompt string `xml:"system_prompt"`
}

type xmlSet struct {
	ID         string         `xml:"id,attr"`
	Title      string         `xml:"title,attr"`
	Guidelines []xmlGuideline `xml:"guideline"`
}

type xmlGuideline struct {
	ID    string `xml:"id,attr"`
	Title string `xml:"title"`
	Text  string `xml:"regulation_text"`
}

// Load parses the guideline library file.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guideline library: %w", err)
	}
	return Parse(data)
}

// Parse builds a Library from raw XML.
func Parse(data []byte) (*Library, error) {
	var raw xmlLibrary
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse guideline library: %w", err)
	}

	lib := &Library{
		SystemPrompt:  strings.TrimSpace(raw.SystemPrompt),
		GeneralPrompt: strings.TrimSpace(raw.GeneralPrompt.SystemPrompt),
		sets:          make(map[string]Set, len(raw.Sets)),
	}

	for _, rawSet := range raw.Sets {
		id := strings.TrimSpace(rawSet.ID)
		if id == "" {
			return nil, fmt.Errorf("guideline set missing id")
		}
		if _, exists := lib.sets[id]; exists {
			return nil, fmt.Errorf("duplicate guideline set %q", id)
		}
		set := Set{ID: id, Title: strings.TrimSpace(rawSet.Title)}
		seen := make(map[string]bool, len(rawSet.Guidelines))
		for i, rawGuideline := range rawSet.Guidelines {
			gid := strings.TrimSpace(rawGuideline.ID)
			if gid == "" {
				return nil, fmt.Errorf("set %q: guideline %d missing id", id, i)
			}
			if seen[gid] {
				return nil, fmt.Errorf("set %q: duplicate guideline %q", id, gid)
			}
			seen[gid] = true
			set.Guidelines = append(set.Guidelines, Guideline{
				ID:             gid,
				Title:          strings.TrimSpace(rawGuideline.Title),
				RegulationText: strings.TrimSpace(rawGuideline.Text),
			})
		}
		if len(set.Guidelines) == 0 {
			return nil, fmt.Errorf("set %q has no guidelines", id)
		}
		lib.sets[id] = set
		lib.order = append(lib.order, id)
	}

	return lib, nil
}

// Set returns the named guideline set.
func (l *Library) Set(id string) (Set, error) {
	set, ok := l.sets[id]
	if !ok {
		return Set{}, ErrSetNotFound
	}
	return set, nil
}

// Sets returns all sets in declaration order.
func (l *Library) Sets() []Set {
	out := make([]Set, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.sets[id])
	}
	return out
}
