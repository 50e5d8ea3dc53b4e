package program

import (
	"sort"
	"strings"
)

// maxSearchResults bounds how many FunctionSymbols Search returns, large
// enough to drive a UI picker list without paging.
const maxSearchResults = 200

// Search finds FunctionSymbols matching query. A leading '=' switches to an
// exact substring match against the demangled name; otherwise a
// Smith-Waterman-like subsequence scorer ranks every symbol whose
// demangled name contains query's characters in order. Results are
// ordered by score descending, then name ascending for a stable picker
// order across runs.
func (p *Program) Search(query string) []FunctionSymbol {
	if strings.HasPrefix(query, "=") {
		return p.searchExact(strings.TrimPrefix(query, "="))
	}
	return p.searchFuzzy(query)
}

func (p *Program) searchExact(needle string) []FunctionSymbol {
	var out []FunctionSymbol
	for _, fs := range p.allSyms {
		if strings.Contains(fs.Name, needle) {
			out = append(out, *fs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return truncate(out, maxSearchResults)
}

type scored struct {
	sym   FunctionSymbol
	score int
}

func (p *Program) searchFuzzy(query string) []FunctionSymbol {
	if query == "" {
		out := make([]FunctionSymbol, 0, len(p.allSyms))
		for _, fs := range p.allSyms {
			out = append(out, *fs)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return truncate(out, maxSearchResults)
	}

	var results []scored
	for _, fs := range p.allSyms {
		if s, ok := fuzzyScore(query, fs.Name); ok {
			results = append(results, scored{sym: *fs, score: s})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].sym.Name < results[j].sym.Name
	})

	out := make([]FunctionSymbol, 0, len(results))
	for _, r := range results {
		out = append(out, r.sym)
	}
	return truncate(out, maxSearchResults)
}

func truncate(syms []FunctionSymbol, n int) []FunctionSymbol {
	if len(syms) > n {
		return syms[:n]
	}
	return syms
}

const (
	matchScore       = 16
	consecutiveBonus = 8
	boundaryBonus    = 6
)

// fuzzyScore reports whether query is a subsequence of candidate
// (case-insensitive) and, if so, a Smith-Waterman-like alignment score:
// each matched character scores matchScore, with a consecutiveBonus when
// it immediately follows the previous match and a boundaryBonus when it
// falls right after a separator ('_', ':', '<', ',', ' ', '(', '.') or at
// the very start of the string. Among the possibly many positions
// candidate offers for each query character, the earliest position after
// the previous match is used — the same greedy choice a picker's
// type-ahead expects ("wk" should prefer matching "work" starting at its
// first 'w').
func fuzzyScore(query, candidate string) (int, bool) {
	q := strings.ToLower(query)
	c := strings.ToLower(candidate)

	score := 0
	qi := 0
	lastMatch := -2
	for ci := 0; ci < len(c) && qi < len(q); ci++ {
		if c[ci] != q[qi] {
			continue
		}
		score += matchScore
		if isBoundary(c, ci) {
			score += boundaryBonus
		}
		if ci == lastMatch+1 {
			score += consecutiveBonus
		}
		lastMatch = ci
		qi++
	}

	if qi < len(q) {
		return 0, false
	}
	return score, true
}

func isBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	switch s[i-1] {
	case '_', ':', '<', ',', ' ', '(', '.':
		return true
	default:
		return false
	}
}
