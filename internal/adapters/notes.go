package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iago/longform/internal/cache"
	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/failure"
)

const notesSource = "notes"

// NotesLookup answers auxiliary lookups from a directory of Markdown and
// text notes. Paragraphs are ranked by how many query terms they contain.
type NotesLookup struct {
	dir   string
	cache *cache.ResultCache
}

func NewNotesLookup(dir string, resultCache *cache.ResultCache) *NotesLookup {
	return &NotesLookup{dir: strings.TrimSpace(dir), cache: resultCache}
}

func (l *NotesLookup) Capability() capability.Func {
	return func(ctx context.Context, params capability.Params) (any, error) {
		request, err := capability.RequestFrom[capability.LookupRequest](params)
		if err != nil {
			return nil, err
		}
		return l.Lookup(ctx, request)
	}
}

func (l *NotesLookup) Lookup(ctx context.Context, request capability.LookupRequest) (capability.LookupResult, error) {
	if request.Limit <= 0 {
		request.Limit = 3
	}
	terms := queryTerms(request.Query)
	if l.dir == "" || len(terms) == 0 {
		return capability.LookupResult{Source: notesSource}, nil
	}

	signature := cache.BuildSignature(l.dir, request.Query, fmt.Sprint(request.Limit))
	if l.cache != nil {
		if entry, ok := l.cache.Get(signature); ok {
			var notes []string
			if err := json.Unmarshal(entry.Value, &notes); err == nil {
				return capability.LookupResult{Notes: notes, Source: entry.Source}, nil
			}
		}
	}

	paragraphs, err := l.readParagraphs(ctx)
	if err != nil {
		return capability.LookupResult{}, err
	}
	notes := rankParagraphs(paragraphs, terms, request.Limit)

	if l.cache != nil {
		if encoded, err := json.Marshal(notes); err == nil {
			l.cache.Set(signature, cache.Entry{Value: encoded, Source: notesSource})
		}
	}
	return capability.LookupResult{Notes: notes, Source: notesSource}, nil
}

func (l *NotesLookup) readParagraphs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, failure.Transient("read notes", fmt.Errorf("read notes dir: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".md", ".txt":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	paragraphs := make([]string, 0)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, failure.FromContext("read notes", err)
		}
		raw, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, failure.Transient("read notes", fmt.Errorf("read note %s: %w", name, err))
		}
		for _, part := range strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n\n") {
			if trimmed := strings.TrimSpace(part); trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				paragraphs = append(paragraphs, strings.Join(strings.Fields(trimmed), " "))
			}
		}
	}
	return paragraphs, nil
}

func queryTerms(query string) []string {
	seen := map[string]struct{}{}
	terms := make([]string, 0)
	for _, field := range strings.Fields(strings.ToLower(query)) {
		term := strings.Trim(field, ".,;:!?\"'()[]")
		if len(term) < 3 {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

func rankParagraphs(paragraphs, terms []string, limit int) []string {
	type scored struct {
		index int
		score int
	}
	ranked := make([]scored, 0)
	for index, paragraph := range paragraphs {
		lower := strings.ToLower(paragraph)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{index: index, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	notes := make([]string, 0, len(ranked))
	for _, item := range ranked {
		notes = append(notes, paragraphs[item.index])
	}
	return notes
}
