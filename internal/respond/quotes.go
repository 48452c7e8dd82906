package respond

import (
	"context"
	"fmt"
	"math/rand"

	"ansr/internal/models"
)

// fallbackQuotes keeps the waiting screen populated when the quotes
// table is empty or unreachable.
var fallbackQuotes = []models.Quote{
	{Text: "Your voice matters more than you think.", Author: "Anonymous"},
	{Text: "Every answer is a small act of generosity.", Author: "Anonymous"},
	{Text: "The shortest distance between two people is a story.", Author: "Patti Digh"},
	{Text: "Speak your truth, even if your voice shakes.", Author: "Maggie Kuhn"},
	{Text: "Listening is an act of love.", Author: "Dave Isay"},
}

// Quotes returns up to limit quotes in random order, padding from the
// built-in list when the table comes up short.
func (s *Service) Quotes(ctx context.Context, limit int) ([]models.Quote, error) {
	if limit <= 0 {
		limit = 5
	}
	quotes, err := s.loadQuotes(ctx)
	if err != nil || len(quotes) == 0 {
		quotes = append([]models.Quote(nil), fallbackQuotes...)
	}
	rand.Shuffle(len(quotes), func(i, j int) {
		quotes[i], quotes[j] = quotes[j], quotes[i]
	})
	if len(quotes) > limit {
		quotes = quotes[:limit]
	}
	return quotes, nil
}

// SeedQuotes inserts quotes, skipping blanks.
func (s *Service) SeedQuotes(ctx context.Context, quotes []models.Quote) error {
	for _, q := range quotes {
		if q.Text == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO quotes (text, author) VALUES (?, ?)`, q.Text, q.Author); err != nil {
			return fmt.Errorf("seed quote: %w", err)
		}
	}
	return nil
}

func (s *Service) loadQuotes(ctx context.Context) ([]models.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, author FROM quotes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Quote
	for rows.Next() {
		var q models.Quote
		if err := rows.Scan(&q.ID, &q.Text, &q.Author); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
