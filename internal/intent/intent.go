// Package intent turns an inbound chat message into a structured booking
// intent using keyword and pattern heuristics. It has no state and no side
// effects; ambiguous input falls back to a general inquiry.
package intent

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Kind int

const (
	GeneralInquiry Kind = iota
	BookingRequest
	ServiceChoice
	TimeChoice
	NameProvided
)

func (k Kind) String() string {
	switch k {
	case BookingRequest:
		return "booking_request"
	case ServiceChoice:
		return "service_choice"
	case TimeChoice:
		return "time_choice"
	case NameProvided:
		return "name_provided"
	default:
		return "general_inquiry"
	}
}

// Expectation is what the conversation is currently waiting for. It decides
// which follow-up intents are recognised.
type Expectation int

const (
	ExpectNothing Expectation = iota
	ExpectService
	ExpectTime
	ExpectName
)

const (
	DateToday    = "today"
	DateTomorrow = "tomorrow"
)

// Intent is the classifier's output. Only the fields relevant to Kind are set:
// BookingRequest may carry Service, Date and Time; ServiceChoice carries
// Service; TimeChoice carries Time; NameProvided carries Name.
type Intent struct {
	Kind    Kind   `json:"type"`
	Service string `json:"service,omitempty"`
	Date    string `json:"date,omitempty"`
	Time    string `json:"time,omitempty"`
	Name    string `json:"name,omitempty"`
}

const maxNameWords = 4

var bookingKeywords = []string{"marcar", "agendar", "reservar", "quero", "consulta", "appointment", "book", "schedule"}

// serviceKeywords maps phrases, matched as whole words against accent-folded
// lowercase text in order, to catalogue service keywords. Longer phrases come
// first so that "pedicure gel" is not read as "gel".
var serviceKeywords = []struct {
	pattern *regexp.Regexp
	key     string
}{
	{phrase("pedicure em gel"), "pedicure gel"},
	{phrase("pedicure gel"), "pedicure gel"},
	{phrase("nail art"), "nail art"},
	{phrase("acrylic fill"), "acrylic fill"},
	{phrase("preenchimento"), "acrylic fill"},
	{phrase("manicure basica"), "básica"},
	{phrase("manicure em gel"), "gel"},
	{phrase("manicure gel"), "gel"},
	{phrase("acrilico"), "acrylic"},
	{phrase("acrylic"), "acrylic"},
	{phrase("gel"), "gel"},
	{phrase("basica"), "básica"},
	{phrase("pedicure"), "pedicure"},
}

func phrase(p string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)
}

var (
	// Tried in order inside a booking request: "14h", "14:00", "2pm", "10am".
	bookingTimePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{1,2}(?:h(?:\d{2})?|:\d{2})\b`),
		regexp.MustCompile(`\b\d{1,2}\s*pm\b`),
		regexp.MustCompile(`\b\d{1,2}\s*am\b`),
	}
	// Once the conversation is waiting for a time, a message that is only an
	// hour ("11", "as 11") counts too. The captured group is the time.
	timeChoicePatterns = []*regexp.Regexp{
		bookingTimePatterns[0],
		bookingTimePatterns[1],
		bookingTimePatterns[2],
		regexp.MustCompile(`^\s*(?:(?:as|a|at|pode ser)\s+)?(\d{1,2})\s*[.!]?\s*$`),
	}
)

// Classify derives an intent from a message and what the conversation expects
// next. Rules apply in priority order: booking keywords win over any
// expectation.
func Classify(message string, expect Expectation) Intent {
	text := Fold(message)

	if containsAny(text, bookingKeywords) {
		in := Intent{Kind: BookingRequest, Service: matchService(text)}
		if strings.Contains(text, "amanha") || strings.Contains(text, "tomorrow") {
			in.Date = DateTomorrow
		}
		if strings.Contains(text, "hoje") || strings.Contains(text, "today") {
			in.Date = DateToday
		}
		in.Time = findTime(text, bookingTimePatterns)
		return in
	}

	switch expect {
	case ExpectService:
		if svc := matchService(text); svc != "" {
			return Intent{Kind: ServiceChoice, Service: svc}
		}
	case ExpectTime:
		if m := findTime(text, timeChoicePatterns); m != "" {
			return Intent{Kind: TimeChoice, Time: m}
		}
	case ExpectName:
		name := strings.TrimSpace(message)
		if words := len(strings.Fields(name)); words > 0 && words <= maxNameWords {
			return Intent{Kind: NameProvided, Name: name}
		}
	}

	return Intent{Kind: GeneralInquiry}
}

// Fold lowercases s and strips combining marks, so "Amanhã" and "amanha"
// compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

func findTime(text string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			return m[1]
		}
		return m[0]
	}
	return ""
}

func matchService(text string) string {
	for _, sk := range serviceKeywords {
		if sk.pattern.MatchString(text) {
			return sk.key
		}
	}
	return ""
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
