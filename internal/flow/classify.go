package flow

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Reserved transition keys.
const (
	KeyUnexpected    = "unexpected"
	KeyTimeout       = "timeout"
	KeyLocation      = "location"
	KeyFormSubmitted = "form_submitted"
)

var folder = cases.Fold()

// Normalize trims, case-folds and strips diacritics: " Híbrido " -> "hibrido".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(folder.String(out)), " ")
}

// Classification is the transition key derived from an inbound event plus
// the context values the event contributes.
type Classification struct {
	// Key is the matched transition key, or a reserved key.
	Key string
	// Target is the step the key routes to, empty when nothing matched.
	Target string
	// Answer is the value stored for questions (option id or trimmed text).
	Answer string
	// Updates are merged into the context before routing.
	Updates map[string]string
}

func awaitAccepts(await string, kind models.InboundKind) bool {
	switch await {
	case "":
		return true
	case models.AwaitLocation:
		return kind == models.InboundLocation
	case models.AwaitForm:
		return kind == models.InboundForm
	default:
		return kind == models.InboundText || kind == models.InboundQuickReply
	}
}

// lookup finds the transition whose normalized key equals candidate.
func lookup(transitions map[string]string, candidate string) (string, string, bool) {
	if candidate == "" {
		return "", "", false
	}
	if target, ok := transitions[candidate]; ok {
		return candidate, target, true
	}
	n := Normalize(candidate)
	for key, target := range transitions {
		if Normalize(key) == n {
			return key, target, true
		}
	}
	return "", "", false
}

func options(step models.Step) []models.Option {
	if step.Payload == nil {
		return nil
	}
	return step.Payload.Options
}

// Classify maps evt to a transition of step.
func Classify(step models.Step, evt models.InboundEvent) Classification {
	if evt.Kind == models.InboundTimeout {
		c := Classification{Key: KeyTimeout}
		c.Target = step.Transitions[KeyTimeout]
		return c
	}

	if !awaitAccepts(step.Await, evt.Kind) {
		c := Classification{Key: KeyUnexpected}
		c.Target = step.Transitions[KeyUnexpected]
		return c
	}

	switch evt.Kind {
	case models.InboundQuickReply:
		c := Classification{Answer: evt.ReplyID}
		if key, target, ok := lookup(step.Transitions, evt.ReplyID); ok {
			c.Key, c.Target = key, target
			return c
		}
		if key, target, ok := lookup(step.Transitions, evt.ReplyTitle); ok {
			c.Key, c.Target = key, target
			return c
		}
		for _, o := range options(step) {
			if o.ID == evt.ReplyID || (evt.ReplyTitle != "" && Normalize(o.Title) == Normalize(evt.ReplyTitle)) {
				c.Answer = o.ID
				if key, target, ok := lookup(step.Transitions, o.ID); ok {
					c.Key, c.Target = key, target
				}
				return c
			}
		}
		c.Key = evt.ReplyID
		return c

	case models.InboundText:
		text := strings.TrimSpace(evt.Text)
		c := Classification{Answer: text, Key: Normalize(text)}
		if key, target, ok := lookup(step.Transitions, text); ok {
			c.Key, c.Target = key, target
		}
		opts := options(step)
		if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(opts) {
			c.Answer = opts[n-1].ID
			if c.Target == "" {
				if key, target, ok := lookup(step.Transitions, opts[n-1].ID); ok {
					c.Key, c.Target = key, target
				}
			}
			return c
		}
		for _, o := range opts {
			if Normalize(o.Title) == c.Key || Normalize(o.ID) == c.Key {
				c.Answer = o.ID
				if c.Target == "" {
					if key, target, ok := lookup(step.Transitions, o.ID); ok {
						c.Key, c.Target = key, target
					}
				}
				break
			}
		}
		return c

	case models.InboundLocation:
		c := Classification{Key: KeyLocation, Target: step.Transitions[KeyLocation], Updates: map[string]string{}}
		if evt.Location != nil {
			c.Updates["location_lat"] = strconv.FormatFloat(evt.Location.Latitude, 'f', -1, 64)
			c.Updates["location_lng"] = strconv.FormatFloat(evt.Location.Longitude, 'f', -1, 64)
			c.Updates["location_name"] = evt.Location.Name
			c.Updates["location_address"] = evt.Location.Address
			c.Answer = c.Updates["location_lat"] + "," + c.Updates["location_lng"]
		}
		return c

	case models.InboundForm:
		c := Classification{Key: KeyFormSubmitted, Target: step.Transitions[KeyFormSubmitted], Updates: map[string]string{}}
		for k, v := range evt.Form {
			c.Updates["form."+k] = v
		}
		c.Answer = evt.FormName
		return c
	}

	return Classification{Key: KeyUnexpected, Target: step.Transitions[KeyUnexpected]}
}
