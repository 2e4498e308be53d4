package ranking

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"reachwatch/internal/support"

	"github.com/charmbracelet/log"
)

const maxFeedBytes = 128 << 20

// fetchFeed downloads one rank list.
func (r *Registry) fetchFeed(ctx context.Context, source string) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "reachwatch-rank-refresh")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return ParseFeed(io.LimitReader(resp.Body, maxFeedBytes))
}

// ParseFeed reads "rank,domain" lines. Malformed lines are skipped; when a
// domain repeats the best (lowest) rank wins.
func ParseFeed(src io.Reader) (map[string]int, error) {
	reader := csv.NewReader(bufio.NewReader(src))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	reader.TrimLeadingSpace = true

	ranks := make(map[string]int)
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return nil, fmt.Errorf("read feed: %w", err)
		}
		if len(record) < 2 {
			skipped++
			continue
		}

		rank, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil || rank <= 0 {
			skipped++
			continue
		}
		name, err := support.NormalizeDomain(record[1])
		if err != nil {
			skipped++
			continue
		}

		if existing, ok := ranks[name]; !ok || rank < existing {
			ranks[name] = rank
		}
	}

	if skipped > 0 {
		log.Debug("Rank feed lines skipped", "count", skipped)
	}
	return ranks, nil
}
