package recall

import (
	"unicode/utf8"

	"github.com/rcliao/tiered-memory/internal/model"
)

// charsPerToken is a rough proxy used to turn a token budget into characters.
const charsPerToken = 4

// minExcerpt is the smallest remainder worth filling with a cut-down record.
const minExcerpt = 100

// pack keeps the highest-scoring items whose content fits in budget tokens.
// The first item that does not fit is cut down to an excerpt when enough
// room remains; packing stops there.
func pack(res *Result, budget int) {
	limit := budget * charsPerToken
	used := 0
	kept := res.Items[:0]
	for _, it := range res.Items {
		content := it.Record.GetBase().Content
		if used+len(content) <= limit {
			kept = append(kept, it)
			used += len(content)
			continue
		}
		if remaining := limit - used; remaining >= minExcerpt {
			it.Record = excerpt(it, remaining)
			it.Excerpt = true
			kept = append(kept, it)
			used += len(it.Record.GetBase().Content)
		}
		break
	}
	res.Items = kept
	res.Budget = budget
	res.Used = used / charsPerToken
}

// excerpt returns a copy of the item's record with content cut to n bytes
// on a rune boundary. The stored record is never modified.
func excerpt(it Item, n int) model.Record {
	content := it.Record.GetBase().Content
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	short := content[:cut] + "..."

	switch r := it.Record.(type) {
	case *model.WorkingRecord:
		c := *r
		c.Content = short
		return &c
	case *model.EpisodicRecord:
		c := *r
		c.Content = short
		return &c
	case *model.SemanticRecord:
		c := *r
		c.Content = short
		return &c
	}
	return it.Record
}
