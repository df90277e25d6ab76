package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
)

// tierTable describes how one tier is laid out in SQL.
type tierTable struct {
	table   string
	alias   string
	fts     string
	columns string
	timeCol string // column Since/Until apply to
}

var tierTables = map[model.Tier]tierTable{
	model.TierWorking:  {"working_records", "w", "working_fts", workingColumns, "created_at"},
	model.TierEpisodic: {"episodic_records", "e", "episodic_fts", episodicColumns, "happened_at"},
	model.TierSemantic: {"semantic_records", "s", "semantic_fts", semanticColumns, "updated_at"},
}

// Query returns records of one tier matching f, most relevant first.
//
// Text is matched through the tier's FTS5 index and ranked by bm25; the best
// hit gets relevance 1. An embedding is compared by cosine similarity. When
// both are given, relevance is their mean. With neither, every match has
// relevance 1 and the newest records come first. Working records past their
// expiry are never returned, even before the sweep removes them.
func (s *SQLiteStore) Query(ctx context.Context, tier model.Tier, f model.Filter) ([]Hit, error) {
	tt, ok := tierTables[tier]
	if !ok {
		return nil, &model.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	where, args := filterClauses(tier, tt, f)
	if tier == model.TierWorking {
		where = append(where, "w.expires_at > ?")
		args = append(args, formatTime(s.now()))
	}
	match := ftsMatch(f.Text)
	if match == "" && strings.TrimSpace(f.Text) != "" && len(f.Embedding) == 0 {
		// Text with no searchable terms matches nothing.
		return nil, nil
	}

	var query string
	switch {
	case match != "":
		candidates := limit
		if len(f.Embedding) > 0 {
			candidates = limit * 4
		}
		query = fmt.Sprintf(`
			SELECT %s, bm25(%s) AS text_rank
			FROM %s
			JOIN %s %s ON %s.rowid = %s.rowid
			WHERE %s MATCH ?%s
			ORDER BY text_rank
			LIMIT ?`,
			tt.columns, tt.fts, tt.fts, tt.table, tt.alias, tt.alias, tt.fts, tt.fts, andClauses(where))
		args = append([]interface{}{match}, args...)
		args = append(args, candidates)

	case len(f.Embedding) > 0:
		where = append(where, "length("+tt.alias+".embedding) > 0")
		query = fmt.Sprintf(`
			SELECT %s, 0 AS text_rank
			FROM %s %s
			WHERE %s
			ORDER BY %s.%s DESC
			LIMIT ?`,
			tt.columns, tt.table, tt.alias, strings.Join(where, " AND "), tt.alias, tt.timeCol)
		args = append(args, s.vectorCandidates)

	default:
		query = fmt.Sprintf(`
			SELECT %s, 0 AS text_rank
			FROM %s %s
			WHERE %s
			ORDER BY %s.%s DESC, %s.id DESC
			LIMIT ?`,
			tt.columns, tt.table, tt.alias, whereOrTrue(where), tt.alias, tt.timeCol, tt.alias)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query "+string(tier), err)
	}
	defer rows.Close()

	var hits []Hit
	var ranks []float64
	minRank := 0.0
	for rows.Next() {
		var rank float64
		rec, err := scanRecord(tier, rankedRow{rows, &rank})
		if err != nil {
			return nil, wrap("scan "+string(tier), err)
		}
		if rank < minRank {
			minRank = rank
		}
		hits = append(hits, Hit{Record: rec})
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query "+string(tier), err)
	}

	for i := range hits {
		textRel := 1.0
		if match != "" && minRank < 0 {
			// bm25 is negative and lower is better.
			textRel = ranks[i] / minRank
		}
		rel := textRel
		if len(f.Embedding) > 0 {
			if vec := hits[i].Record.GetBase().Embedding; len(vec) > 0 {
				vecRel := embedding.Similarity(f.Embedding, vec)
				if match != "" {
					rel = (textRel + vecRel) / 2
				} else {
					rel = vecRel
				}
			}
		}
		hits[i].Relevance = clamp01(rel)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Relevance > hits[j].Relevance
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// GetByID returns the record with id in tier, or an error wrapping model.ErrNotFound.
func (s *SQLiteStore) GetByID(ctx context.Context, tier model.Tier, id string) (model.Record, error) {
	switch tier {
	case model.TierWorking:
		r, err := s.getWorking(ctx, id)
		if err != nil {
			return nil, err
		}
		return r, nil
	case model.TierEpisodic:
		r, err := s.getEpisodic(ctx, id)
		if err != nil {
			return nil, err
		}
		return r, nil
	case model.TierSemantic:
		r, err := s.getSemantic(ctx, id)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, &model.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
}

func filterClauses(tier model.Tier, tt tierTable, f model.Filter) ([]string, []interface{}) {
	var where []string
	var args []interface{}
	col := func(name string) string { return tt.alias + "." + name }

	if f.Since != nil {
		where = append(where, col(tt.timeCol)+" >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		where = append(where, col(tt.timeCol)+" <= ?")
		args = append(args, formatTime(*f.Until))
	}

	switch tier {
	case model.TierSemantic:
		if f.MinImportance > 0 {
			where = append(where, col("confidence")+" >= ?")
			args = append(args, float64(f.MinImportance)/10-0.05)
		}
	default:
		if f.MinImportance > 0 {
			where = append(where, col("importance")+" >= ?")
			args = append(args, f.MinImportance)
		}
	}

	if f.Emotion != "" {
		if tier == model.TierEpisodic {
			where = append(where, "("+col("emotion")+" = ? OR "+col("emotional_tags")+" LIKE ?)")
			args = append(args, f.Emotion, `%"`+f.Emotion+`"%`)
		} else {
			where = append(where, col("emotion")+" = ?")
			args = append(args, f.Emotion)
		}
	}

	if tier == model.TierEpisodic && !f.IncludeArchived {
		where = append(where, col("archived")+" = 0")
	}
	return where, args
}

// ftsMatch turns free text into an FTS5 query: each word quoted, OR-ed together.
func ftsMatch(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

func andClauses(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " AND " + strings.Join(where, " AND ")
}

func whereOrTrue(where []string) string {
	if len(where) == 0 {
		return "1 = 1"
	}
	return strings.Join(where, " AND ")
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// rankedRow appends the trailing rank column to a tier scanner's destinations.
type rankedRow struct {
	scanner
	rank *float64
}

func (r rankedRow) Scan(dest ...interface{}) error {
	return r.scanner.Scan(append(dest, r.rank)...)
}

func scanRecord(tier model.Tier, row scanner) (model.Record, error) {
	switch tier {
	case model.TierWorking:
		r, err := scanWorking(row)
		return &r, err
	case model.TierEpisodic:
		r, err := scanEpisodic(row)
		return &r, err
	default:
		r, err := scanSemantic(row)
		return &r, err
	}
}
