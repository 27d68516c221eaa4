// Package news fetches the economic calendar and gates trading around
// high-impact events and holidays.
package news

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// HighImpact is the star level treated as market-moving.
const HighImpact = 3

const defaultCalendarURL = "https://www.investing.com/economic-calendar/"

const scrapeTimeout = 15 * time.Second

var currencyPattern = regexp.MustCompile(`\b([A-Z]{2,3})\b`)

var dayHeaderPattern = regexp.MustCompile(`(\w+day),?\s+(\w+)\s+(\d+),?\s+(\d{4})`)

// CurrenciesForSymbol splits a six-letter pair into its base and quote
// currencies. Returns nil for anything else.
func CurrenciesForSymbol(symbol string) []string {
	if len(symbol) != 6 {
		return nil
	}
	return []string{strings.ToUpper(symbol[:3]), strings.ToUpper(symbol[3:])}
}

// Scraper fetches and parses the calendar page. The source site renders
// event times in Central European time; the scraper normalizes them to UTC.
type Scraper struct {
	client  *http.Client
	url     string
	logger  *log.Logger
	srcZone *time.Location
	now     func() time.Time
}

// NewScraper creates a scraper against the default calendar URL.
func NewScraper(logger *log.Logger) *Scraper {
	return NewScraperWithHTTP(defaultCalendarURL, logger, &http.Client{Timeout: scrapeTimeout})
}

// NewScraperWithHTTP creates a scraper with a custom URL and HTTP client,
// used by tests to serve a static fixture.
func NewScraperWithHTTP(url string, logger *log.Logger, client *http.Client) *Scraper {
	src, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		logger.Printf("Failed to load Europe/Paris, using fixed CET offset: %v", err)
		src = time.FixedZone("CET", 60*60)
	}
	return &Scraper{
		client:  client,
		url:     url,
		logger:  logger,
		srcZone: src,
		now:     time.Now,
	}
}

// Events fetches the calendar and returns events for the given currencies at
// or above minImpact, plus every holiday row regardless of impact. Events
// come back sorted by time ascending; times are UTC.
func (s *Scraper) Events(ctx context.Context, currencies []string, minImpact int) ([]models.NewsEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	// The calendar site rejects requests without a browser-looking UA.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Printf("Failed to close calendar response body: %v", cerr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar HTML: %w", err)
	}

	return s.parse(doc, currencies, minImpact), nil
}

func (s *Scraper) parse(doc *html.Node, currencies []string, minImpact int) []models.NewsEvent {
	table := findCalendarTable(doc)
	if table == nil {
		s.logger.Printf("Calendar table not found in page")
		return nil
	}

	wanted := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		wanted[strings.ToUpper(c)] = true
	}

	var events []models.NewsEvent
	var currentDay time.Time

	for _, row := range elementsByTag(table, "tr") {
		if hasClass(row, "theDay") {
			if d, ok := parseDayHeader(nodeText(row), s.srcZone); ok {
				currentDay = d
			}
			continue
		}
		if !hasClass(row, "js-event-item") {
			continue
		}

		cells := elementsByTag(row, "td")
		if len(cells) < 4 {
			continue
		}

		when, ok := s.parseEventTime(row, cells[0], currentDay)
		if !ok {
			continue
		}

		currency := parseCurrency(cells[1])
		if !wanted[currency] {
			continue
		}

		impact, isHoliday := parseImpact(cells[2])
		if !isHoliday && impact < minImpact {
			continue
		}

		ev := models.NewsEvent{
			Time:      when,
			Currency:  currency,
			Title:     nodeText(cells[3]),
			Impact:    impact,
			IsHoliday: isHoliday,
		}
		if len(cells) > 4 {
			ev.Actual = nodeText(cells[4])
		}
		if len(cells) > 5 {
			ev.Forecast = nodeText(cells[5])
		}
		if len(cells) > 6 {
			ev.Previous = nodeText(cells[6])
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return events
}

// parseEventTime prefers the row's data-event-datetime attribute and falls
// back to the HH:MM text in the time cell combined with the last day header.
func (s *Scraper) parseEventTime(row, timeCell *html.Node, currentDay time.Time) (time.Time, bool) {
	if raw := attr(row, "data-event-datetime"); raw != "" {
		if t, err := time.ParseInLocation("2006/01/02 15:04:05", raw, s.srcZone); err == nil {
			return t.UTC(), true
		}
	}

	if currentDay.IsZero() {
		return time.Time{}, false
	}
	text := nodeText(timeCell)
	if text == "" || strings.EqualFold(text, "All Day") {
		return currentDay.UTC(), true
	}
	clock, err := time.Parse("15:04", text)
	if err != nil {
		return time.Time{}, false
	}
	t := time.Date(currentDay.Year(), currentDay.Month(), currentDay.Day(),
		clock.Hour(), clock.Minute(), 0, 0, s.srcZone)
	return t.UTC(), true
}

func parseDayHeader(text string, loc *time.Location) (time.Time, bool) {
	m := dayHeaderPattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	month, ok := monthByName(m[2])
	if !ok {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[3])
	year, _ := strconv.Atoi(m[4])
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

func monthByName(name string) (time.Month, bool) {
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(name, m.String()) {
			return m, true
		}
	}
	return 0, false
}

func parseCurrency(cell *html.Node) string {
	if m := currencyPattern.FindStringSubmatch(nodeText(cell)); m != nil {
		return m[1]
	}
	return ""
}

// parseImpact counts filled star icons. Class names on the calendar site
// drift, so several detection passes run in order before falling back to
// inference from the cell text.
func parseImpact(cell *html.Node) (impact int, isHoliday bool) {
	text := nodeText(cell)
	isHoliday = strings.Contains(strings.ToLower(text), "holiday")

	count := countIcons(cell, func(n *html.Node) bool {
		return strings.Contains(attr(n, "class"), "grayFullBullishIcon")
	})
	if count == 0 {
		count = countIcons(cell, func(n *html.Node) bool {
			class := strings.ToLower(attr(n, "class"))
			return strings.Contains(class, "bullish") || strings.Contains(class, "full")
		})
	}
	if count == 0 {
		count = countIcons(cell, func(n *html.Node) bool {
			title := strings.ToLower(attr(n, "title"))
			return strings.Contains(title, "star")
		})
	}
	if count > 0 {
		return count, isHoliday
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "high"):
		return 3, isHoliday
	case strings.Contains(lower, "medium"):
		return 2, isHoliday
	case strings.Contains(lower, "low"):
		return 1, isHoliday
	}
	if m := regexp.MustCompile(`(\d)`).FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, isHoliday
	}
	return 0, isHoliday
}

func countIcons(cell *html.Node, match func(*html.Node) bool) int {
	n := 0
	for _, tag := range []string{"i", "span"} {
		for _, icon := range elementsByTag(cell, tag) {
			if match(icon) {
				n++
			}
		}
	}
	return n
}

// --- small DOM helpers ---

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// elementsByTag returns all descendant elements with the given tag, in
// document order.
func elementsByTag(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

// findCalendarTable locates the events table by its id and falls back to
// header sniffing when the id changes.
func findCalendarTable(doc *html.Node) *html.Node {
	for _, table := range elementsByTag(doc, "table") {
		if attr(table, "id") == "economicCalendarData" {
			return table
		}
	}
	for _, table := range elementsByTag(doc, "table") {
		var headers []string
		for _, th := range elementsByTag(table, "th") {
			headers = append(headers, nodeText(th))
		}
		joined := strings.Join(headers, "|")
		if strings.Contains(joined, "Time") && strings.Contains(joined, "Event") {
			return table
		}
	}
	return nil
}
