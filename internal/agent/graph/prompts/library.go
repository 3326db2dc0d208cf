package prompts

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed template/analyze.txt
var analyzeSystemPrompt string

//go:embed template/process.txt
var processSystemPrompt string

//go:embed template/synthesize.txt
var synthesizeSystemPrompt string

// Built-in prompt references.
const (
	RefAnalyze    = "analyze.v1"
	RefProcess    = "process.v1"
	RefSynthesize = "synthesize.v1"
)

// Library resolves system prompt references to prompt text. It is read-only
// after construction.
type Library struct {
	prompts map[string]string
}

type libraryEntry struct {
	Ref  string `koanf:"ref"`
	Text string `koanf:"text"`
}

// DefaultLibrary returns the embedded prompts.
func DefaultLibrary() *Library {
	return &Library{prompts: map[string]string{
		RefAnalyze:    strings.TrimSpace(analyzeSystemPrompt),
		RefProcess:    strings.TrimSpace(processSystemPrompt),
		RefSynthesize: strings.TrimSpace(synthesizeSystemPrompt),
	}}
}

// LoadLibrary reads prompt overrides from a YAML file of the form
//
//	prompts:
//	  - ref: analyze.v2
//	    text: |
//	      ...
//
// on top of the embedded prompts. An empty path yields DefaultLibrary.
func LoadLibrary(path string) (*Library, error) {
	lib := DefaultLibrary()
	if path == "" {
		return lib, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load prompt library %s: %w", path, err)
	}

	var entries []libraryEntry
	if err := k.Unmarshal("prompts", &entries); err != nil {
		return nil, fmt.Errorf("decode prompt library %s: %w", path, err)
	}
	for i, e := range entries {
		ref := strings.TrimSpace(e.Ref)
		text := strings.TrimSpace(e.Text)
		if ref == "" || text == "" {
			return nil, fmt.Errorf("prompt library %s: entry %d needs both ref and text", path, i)
		}
		lib.prompts[ref] = text
	}
	return lib, nil
}

// Get returns the prompt text for ref.
func (l *Library) Get(ref string) (string, error) {
	text, ok := l.prompts[ref]
	if !ok {
		return "", fmt.Errorf("unknown prompt reference %q", ref)
	}
	return text, nil
}

// Has reports whether ref resolves.
func (l *Library) Has(ref string) bool {
	_, ok := l.prompts[ref]
	return ok
}

// Refs lists the known references in sorted order.
func (l *Library) Refs() []string {
	refs := make([]string, 0, len(l.prompts))
	for ref := range l.prompts {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
