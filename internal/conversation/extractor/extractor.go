// Package extractor turns raw inbound text into structured qualification
// fields. Extraction is pure and deterministic: a field is either matched or
// absent, and nothing here ever fails.
package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"crm_backend/internal/conversation/domain"
	"crm_backend/platform/sanitize"
)

type serviceRule struct {
	key      domain.ServiceKey
	patterns []string
}

// Order matters: premium and renewal intents win over generic visa wording.
var serviceRules = []serviceRule{
	{domain.ServiceGoldenVisa, []string{"golden visa", "investor visa", "10 year visa", "10-year visa", "ten year visa"}},
	{domain.ServiceVisaRenewal, []string{"renew my visa", "visa renewal", "renewal", "renew visa", "visa is expiring", "visa expires", "visa expiry"}},
	{domain.ServiceFamilyVisa, []string{"family visa", "sponsor my", "dependent visa", "dependant visa", "wife visa", "husband visa"}},
	{domain.ServiceFreelanceVisa, []string{"freelance", "freelancer", "self sponsored", "self-sponsored"}},
	{domain.ServiceBusinessSetup, []string{"trade license", "trade licence", "business setup", "company setup", "company formation", "open a company", "set up a company", "start a company", "start a business", "register a company", "llc"}},
}

var jurisdictions = []struct {
	value    string
	patterns []string
}{
	{"mainland", []string{"mainland", "ded license", "ded licence"}},
	{"free_zone", []string{"free zone", "freezone", "free-zone"}},
	{"offshore", []string{"offshore"}},
}

var nationalities = map[string]string{
	"indian": "indian", "india": "indian",
	"pakistani": "pakistani", "pakistan": "pakistani",
	"british": "british", "uk": "british", "england": "british",
	"american": "american", "usa": "american",
	"russian": "russian", "russia": "russian",
	"egyptian": "egyptian", "egypt": "egyptian",
	"filipino": "filipino", "philippines": "filipino",
	"nigerian": "nigerian", "nigeria": "nigerian",
	"german": "german", "germany": "german",
	"french": "french", "france": "french",
	"chinese": "chinese", "china": "chinese",
	"lebanese": "lebanese", "lebanon": "lebanese",
	"jordanian": "jordanian", "jordan": "jordanian",
	"canadian": "canadian", "canada": "canadian",
	"bangladeshi": "bangladeshi", "bangladesh": "bangladeshi",
	"ukrainian": "ukrainian", "ukraine": "ukrainian",
	"italian": "italian", "italy": "italian",
	"turkish": "turkish", "turkey": "turkish",
}

var activities = []struct {
	value    string
	patterns []string
}{
	{"ecommerce", []string{"e-commerce", "ecommerce", "online store", "online shop"}},
	{"consultancy", []string{"consulting", "consultancy", "consultant"}},
	{"general_trading", []string{"general trading", "trading"}},
	{"it_services", []string{"it services", "software", "web development", "app development"}},
	{"marketing", []string{"marketing", "advertising", "social media"}},
	{"real_estate", []string{"real estate", "property"}},
	{"restaurant", []string{"restaurant", "cafe", "catering"}},
	{"media", []string{"media", "photography", "content creation", "content creator"}},
}

var optOutPhrases = []string{"unsubscribe", "do not contact", "don't contact", "dont contact", "stop messaging", "stop sending", "remove me from", "leave me alone", "not interested anymore"}

// Matched on word boundaries so "courtesy" and "policies" stay quiet.
var sensitiveRe = regexp.MustCompile(`\b(?:legal cases?|courts?|travel ban|complaints?|refunds?|lawyers?|police|absconding|labou?r cases?|fraud)\b`)

var numberWords = map[string]int{
	"zero": 0, "no": 0, "one": 1, "a": 1, "single": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

const countToken = `(\d{1,2}|zero|no|one|a|single|two|three|four|five|six|seven|eight|nine|ten)`

var (
	partnersRe   = regexp.MustCompile(`\b` + countToken + `\s+(?:partners?|shareholders?|owners?|founders?)\b`)
	soloRe       = regexp.MustCompile(`\b(?:just me|only me|by myself|solo|sole owner|single owner|alone)\b`)
	visasRe      = regexp.MustCompile(`\b` + countToken + `\s+(?:visas?|employees?|staff|residence visas?)\b`)
	dependentsRe = regexp.MustCompile(`\b` + countToken + `\s+(?:kids|children|child|dependents?|dependants?)\b`)
	bareNumberRe = regexp.MustCompile(`^\s*` + countToken + `\s*[.!]?\s*$`)
	isoDateRe    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dmyDateRe    = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})[/.](\d{4})\b`)
	nameRe       = regexp.MustCompile(`(?i)\bmy name is\s+([\p{L}'-]+(?:\s+[\p{L}'-]+){0,3})`)
	fromRe       = regexp.MustCompile(`\b(?:i am|i'm|im)\s+(?:an?\s+)?(?:from\s+)?([a-z]+)\b`)
	passportRe   = regexp.MustCompile(`\b([a-z]+)\s+(?:passport|citizen|national)\b`)
	activityRe   = regexp.MustCompile(`\b(?:activity is|activity will be|business is|we do|i do)\s+([a-z][a-z &-]{2,40})`)
	wordRe       = regexp.MustCompile(`^[\p{L}'-]+$`)
	hedgeRe      = regexp.MustCompile(`\b(?:not sure|unsure|don'?t know|no idea|maybe|later|undecided)\b`)
	letterRe     = regexp.MustCompile(`\p{L}`)
)

// Extract parses text sent on channel into partial fields. prior supplies the
// channel profile name and the last question asked so that bare answers like
// "2" can be attributed.
func Extract(text string, channel domain.Channel, prior domain.PriorContext) domain.ExtractedFields {
	out := domain.ExtractedFields{Values: map[domain.Field]string{}}
	clean := sanitize.InboundText(text)
	if clean == "" {
		return out
	}
	folded := cases.Fold().String(clean)

	out.OptOut = detectOptOut(folded)
	out.Sensitive = sensitiveRe.MatchString(folded)

	if key, ok := detectService(folded); ok {
		out.Values[domain.FieldServiceKey] = string(key)
		out.HighValue = key == domain.ServiceGoldenVisa
	}
	if v, ok := detectJurisdiction(folded); ok {
		out.Values[domain.FieldJurisdiction] = v
	}
	if n, ok := matchCount(partnersRe, folded); ok {
		out.Values[domain.FieldPartnersCount] = strconv.Itoa(n)
	} else if soloRe.MatchString(folded) {
		out.Values[domain.FieldPartnersCount] = "1"
	}
	if n, ok := matchCount(visasRe, folded); ok {
		out.Values[domain.FieldVisasCount] = strconv.Itoa(n)
	} else if n, ok := matchCount(dependentsRe, folded); ok {
		out.Values[domain.FieldVisasCount] = strconv.Itoa(n)
	}
	if v, ok := detectNationality(folded); ok {
		out.Values[domain.FieldNationality] = v
	}
	if v, ok := detectActivity(folded); ok {
		out.Values[domain.FieldBusinessActivity] = v
	}
	if v, ok := detectDate(clean); ok {
		out.Values[domain.FieldTargetDate] = v
	}
	if v, ok := detectName(clean); ok {
		out.Values[domain.FieldFullName] = v
	} else if v, ok := fullNameFromProfile(prior.ContactName); ok {
		out.Values[domain.FieldFullName] = v
	}

	attributeBareAnswer(&out, clean, folded, prior.LastQuestionKey)
	return out
}

// attributeBareAnswer fills the field of the question just asked when the
// customer replied with nothing but the value.
func attributeBareAnswer(out *domain.ExtractedFields, clean, folded, lastQuestion string) {
	switch lastQuestion {
	case domain.QuestionPartners:
		if out.Has(domain.FieldPartnersCount) {
			return
		}
		if n, ok := matchCount(bareNumberRe, folded); ok {
			out.Values[domain.FieldPartnersCount] = strconv.Itoa(n)
		}
	case domain.QuestionVisas:
		if out.Has(domain.FieldVisasCount) {
			return
		}
		if n, ok := matchCount(bareNumberRe, folded); ok {
			out.Values[domain.FieldVisasCount] = strconv.Itoa(n)
		}
	case domain.QuestionActivity:
		if out.Has(domain.FieldBusinessActivity) || out.Has(domain.FieldServiceKey) || out.OptOut {
			return
		}
		if v, ok := bareActivity(*out, folded); ok {
			out.Values[domain.FieldBusinessActivity] = v
		}
	case domain.QuestionNationality:
		if out.Has(domain.FieldNationality) {
			return
		}
		if v, ok := nationalities[strings.Trim(folded, " .!")]; ok {
			out.Values[domain.FieldNationality] = v
		}
	case domain.QuestionFullName:
		if strings.Contains(folded, "my name is") {
			return
		}
		// an explicit answer beats the channel profile name
		if v, ok := fullNameFromProfile(clean); ok {
			out.Values[domain.FieldFullName] = v
		}
	}
}

// bareActivity accepts a short free-text reply as the activity unless it is
// really an answer to some other question.
func bareActivity(out domain.ExtractedFields, folded string) (string, bool) {
	words := strings.Fields(folded)
	if len(words) == 0 || len(words) > 5 {
		return "", false
	}
	for f := range out.Values {
		if f != domain.FieldFullName {
			return "", false
		}
	}
	if out.Sensitive {
		return "", false
	}
	if bareNumberRe.MatchString(folded) || hedgeRe.MatchString(folded) || !letterRe.MatchString(folded) {
		return "", false
	}
	if _, ok := nationalities[strings.Trim(folded, " .!")]; ok {
		return "", false
	}
	return strings.Trim(strings.Join(words, " "), ".!,"), true
}

func detectOptOut(folded string) bool {
	trimmed := strings.Trim(folded, " .!")
	if trimmed == "stop" || trimmed == "unsubscribe" {
		return true
	}
	return containsAny(folded, optOutPhrases)
}

func detectService(folded string) (domain.ServiceKey, bool) {
	for _, rule := range serviceRules {
		if containsAny(folded, rule.patterns) {
			return rule.key, true
		}
	}
	return "", false
}

func detectJurisdiction(folded string) (string, bool) {
	for _, j := range jurisdictions {
		if containsAny(folded, j.patterns) {
			return j.value, true
		}
	}
	return "", false
}

func detectNationality(folded string) (string, bool) {
	for _, re := range []*regexp.Regexp{passportRe, fromRe} {
		for _, m := range re.FindAllStringSubmatch(folded, -1) {
			if v, ok := nationalities[m[1]]; ok {
				return v, true
			}
		}
	}
	return "", false
}

func detectActivity(folded string) (string, bool) {
	for _, a := range activities {
		if containsAny(folded, a.patterns) {
			return a.value, true
		}
	}
	if m := activityRe.FindStringSubmatch(folded); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

func detectDate(clean string) (string, bool) {
	if m := isoDateRe.FindStringSubmatch(clean); m != nil {
		if validDate(m[1], m[2], m[3]) {
			return m[1] + "-" + m[2] + "-" + m[3], true
		}
	}
	if m := dmyDateRe.FindStringSubmatch(clean); m != nil {
		day, month := pad2(m[1]), pad2(m[2])
		if validDate(m[3], month, day) {
			return m[3] + "-" + month + "-" + day, true
		}
	}
	return "", false
}

func detectName(clean string) (string, bool) {
	m := nameRe.FindStringSubmatch(clean)
	if m == nil {
		return "", false
	}
	return titleWords(strings.Fields(m[1])), true
}

// fullNameFromProfile accepts two to four alphabetic words.
func fullNameFromProfile(name string) (string, bool) {
	words := strings.Fields(strings.Trim(name, " .!"))
	if len(words) < 2 || len(words) > 4 {
		return "", false
	}
	for _, w := range words {
		if !wordRe.MatchString(w) {
			return "", false
		}
	}
	return titleWords(words), true
}

func titleWords(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		out = append(out, string(r))
	}
	return strings.Join(out, " ")
}

func matchCount(re *regexp.Regexp, folded string) (int, bool) {
	m := re.FindStringSubmatch(folded)
	if m == nil {
		return 0, false
	}
	if n, err := strconv.Atoi(m[1]); err == nil {
		return n, true
	}
	n, ok := numberWords[m[1]]
	return n, ok
}

func validDate(year, month, day string) bool {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	return y >= 2000 && y <= 2100 && mo >= 1 && mo <= 12 && d >= 1 && d <= 31
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
