package sharedfiles

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// sanitizeToken strips characters that would otherwise be interpreted by
// SQLite's FTS5 query syntax or a path: path separators, quotes, and
// colons all become spaces.
func sanitizeToken(tok string) string {
	replacer := strings.NewReplacer("/", " ", "\\", " ", "\"", " ", "'", " ", ":", " ")
	return strings.TrimSpace(replacer.Replace(tok))
}

// parseQuery splits a raw query into positive terms and negative
// (prefixed with "-") exclusions, sanitising each token.
func parseQuery(raw string) (positive, negative []string) {
	for _, tok := range strings.Fields(raw) {
		neg := strings.HasPrefix(tok, "-")
		if neg {
			tok = tok[1:]
		}
		tok = sanitizeToken(tok)
		if tok == "" {
			continue
		}
		if neg {
			negative = append(negative, tok)
		} else {
			positive = append(positive, tok)
		}
	}
	return positive, negative
}

// buildFTSQuery renders the tokenised query as
// ("t1" AND "t2" ...) NOT ("x1" OR "x2" ...).
func buildFTSQuery(positive, negative []string) string {
	quote := func(toks []string) []string {
		out := make([]string, len(toks))
		for i, t := range toks {
			out[i] = fmt.Sprintf("%q", t)
		}
		return out
	}

	var b strings.Builder
	if len(positive) > 0 {
		b.WriteString("(")
		b.WriteString(strings.Join(quote(positive), " AND "))
		b.WriteString(")")
	}
	if len(negative) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("NOT (")
		b.WriteString(strings.Join(quote(negative), " OR "))
		b.WriteString(")")
	}
	return b.String()
}

// Search tokenises query, builds the corresponding FTS5 MATCH expression,
// and returns every matching file ordered ascending by masked filename.
func (c *Cache) Search(ctx context.Context, query string) ([]FileRecord, error) {
	positive, negative := parseQuery(query)
	if len(positive) == 0 && len(negative) == 0 {
		return nil, nil
	}
	match := buildFTSQuery(positive, negative)

	live := c.live()
	rows, err := live.db.QueryContext(ctx,
		`SELECT f.maskedFilename, f.originalFilename, f.host, f.size, f.touchedAt, f.code, f.extension, f.attributeJson, f.timestamp
		 FROM filenames JOIN files f ON f.maskedFilename = filenames.maskedFilename
		 WHERE filenames MATCH ?
		 ORDER BY f.maskedFilename ASC`,
		match,
	)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		fr, _, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaskedFilename < out[j].MaskedFilename })
	return out, rows.Err()
}
