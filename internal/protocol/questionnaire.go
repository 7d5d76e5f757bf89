package protocol

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

var (
	// ErrUnknownScale is returned for a questionnaire scale that does not exist.
	ErrUnknownScale = errors.New("protocol: unknown questionnaire scale")

	// ErrUnknownItem is returned for an item key that the scale does not have.
	ErrUnknownItem = errors.New("protocol: unknown questionnaire item")

	// ErrScoreRange is returned for a score outside the scale's range.
	ErrScoreRange = errors.New("protocol: score out of range")
)

// Scale is one subjective rating questionnaire.
type Scale struct {
	// Key identifies the scale on the wire ("rbh", "ovhs9", "tvqg").
	Key string `json:"key"`

	// Title is the display name.
	Title string `json:"title"`

	// Items are the item keys in presentation order.
	Items []string `json:"items"`

	// Max is the highest allowed score. The lowest is always 0.
	Max int `json:"max"`

	// Ordered scales are sent to the analysis backend as an array in item
	// order; the others as an object keyed by item.
	Ordered bool `json:"-"`
}

func numberedItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = strconv.Itoa(i + 1)
	}
	return items
}

var scales = []Scale{
	{Key: "rbh", Title: "RBH", Items: []string{"R", "B", "H"}, Max: 3},
	{Key: "ovhs9", Title: "OVHS-9", Items: numberedItems(9), Max: 4, Ordered: true},
	{Key: "tvqg", Title: "TVQ-G", Items: numberedItems(12), Max: 4, Ordered: true},
}

// Scales returns the questionnaire scales in presentation order.
func Scales() []Scale {
	out := make([]Scale, len(scales))
	for i, s := range scales {
		s.Items = slices.Clone(s.Items)
		out[i] = s
	}
	return out
}

func lookupScale(key string) (Scale, bool) {
	for _, s := range scales {
		if s.Key == key {
			return s, true
		}
	}
	return Scale{}, false
}

// Answers is the questionnaire answer bundle: for each scale, one optional
// score per item. The zero value is not usable; call [NewAnswers].
type Answers struct {
	scores  map[string][]*int
	skipped bool
}

// NewAnswers returns a bundle with every item unanswered.
func NewAnswers() *Answers {
	a := &Answers{scores: make(map[string][]*int, len(scales))}
	for _, s := range scales {
		a.scores[s.Key] = make([]*int, len(s.Items))
	}
	return a
}

// Set records score for one item. A nil score clears the answer. Answering
// an item withdraws an earlier [Answers.Skip].
func (a *Answers) Set(scale, item string, score *int) error {
	s, ok := lookupScale(scale)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScale, scale)
	}
	idx := slices.Index(s.Items, item)
	if idx < 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnknownItem, scale, item)
	}
	if score == nil {
		a.scores[scale][idx] = nil
		return nil
	}
	if *score < 0 || *score > s.Max {
		return fmt.Errorf("%w: %s/%s = %d, want 0..%d", ErrScoreRange, scale, item, *score, s.Max)
	}
	v := *score
	a.scores[scale][idx] = &v
	a.skipped = false
	return nil
}

// Skip marks the questionnaires as explicitly skipped.
func (a *Answers) Skip() { a.skipped = true }

// Skipped reports whether the questionnaires were explicitly skipped.
func (a *Answers) Skipped() bool { return a.skipped }

// Complete reports whether every item of every scale has a score.
func (a *Answers) Complete() bool {
	for _, items := range a.scores {
		for _, v := range items {
			if v == nil {
				return false
			}
		}
	}
	return true
}

// Settled reports whether the questionnaire stage may be left: all items are
// answered or the user skipped.
func (a *Answers) Settled() bool {
	return a.skipped || a.Complete()
}

// Scores returns a copy of the answers keyed by scale and item.
func (a *Answers) Scores() map[string]map[string]*int {
	out := make(map[string]map[string]*int, len(scales))
	for _, s := range scales {
		m := make(map[string]*int, len(s.Items))
		for i, item := range s.Items {
			m[item] = copyInt(a.scores[s.Key][i])
		}
		out[s.Key] = m
	}
	return out
}

// Forms renders the answers in the shape the analysis backend expects:
// ordered scales become arrays with null for unanswered items, the others
// objects keyed by item. A skipped bundle renders as nil.
func (a *Answers) Forms() map[string]any {
	if a.skipped {
		return nil
	}
	forms := make(map[string]any, len(scales))
	for _, s := range scales {
		vals := a.scores[s.Key]
		if s.Ordered {
			arr := make([]*int, len(vals))
			for i, v := range vals {
				arr[i] = copyInt(v)
			}
			forms[s.Key] = arr
			continue
		}
		obj := make(map[string]*int, len(vals))
		for i, item := range s.Items {
			obj[item] = copyInt(vals[i])
		}
		forms[s.Key] = obj
	}
	return forms
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
