package text

import (
	"regexp"
	"strings"
)

type INormalizer interface {
	Normalize(text string) string
}

type Language string

const (
	ENGLISH Language = "en"
	SPANISH Language = "es"
)

// fluff lists the words that carry no intent on their own. The LLM handler
// normalizes a transcript and counts what survives to decide whether an
// utterance is substantial enough to warrant a filler phrase while the model
// thinks.
var fluff = map[Language]string{
	ENGLISH: `
		uh um ah er oh hm hmm huh eh okay ok yep yup yeah yea nope nah
		alright well right like so anyway anyways
		please thanks thank kindly sorry hey hi hello bye goodbye
		i me my mine myself we us our ours you your yours he him his she her
		hers it its they them their theirs this that these those what which
		who whom whose the a an some any each every all both either neither
		no none such one ones something anything nothing everything someone
		anyone everyone somebody anybody everybody nobody
		and or but nor for yet as if of at by to in on up off out with into
		from over under down through via about against after before behind
		between beyond during inside outside within without upon toward
		towards past since until till than then once when where why how
		because although though unless whereas whether while
		am is are was were be been being have has had having do does did
		doing done can could shall should will would may might must ought
		just only really very quite actually basically literally totally
		honestly pretty rather somewhat kind sort mean guess suppose maybe
		perhaps probably possibly
		get got go going gone went come came want wanted let know think say
		said give make take see look need set
		now today tonight tomorrow yesterday morning afternoon evening night`,
	SPANISH: `
		eh este pues bueno vale si ya ok okay
		el la los las un una unos unas lo al del
		y o pero ni que como cuando donde porque aunque mientras
		yo tu usted nosotros ellos ellas me te se nos le les mi su
		de a en con por para sin sobre entre hasta desde
		es son era eran ser estar esta estan fue hay he ha han
		muy mas menos tambien solo casi quiza tal vez`,
}

// contractions are clipped before tokenizing so "what's" and "don't" reduce
// to their stem.
var contractions = []string{"'s", "'ve", "'re", "'ll", "n't", "'d", "'m", "'em"}

var nonToken = regexp.MustCompile(`[^a-z0-9\s]+`)

// Normalizer strips punctuation, folds case, and drops fluff words for one
// language.
type Normalizer struct {
	drop map[string]struct{}
}

// NewNormalizer builds the fluff lookup for the given language. A language
// without a registered list yields a normalizer that keeps every word but
// still folds case and strips punctuation.
func NewNormalizer(language Language) *Normalizer {
	drop := map[string]struct{}{}
	for _, w := range strings.Fields(fluff[language]) {
		drop[w] = struct{}{}
	}
	return &Normalizer{drop: drop}
}

// Normalize returns the meaningful tokens of input, lowercased and
// space-joined.
func (n *Normalizer) Normalize(input string) string {
	input = strings.ToLower(input)
	for _, c := range contractions {
		input = strings.ReplaceAll(input, c, "")
	}
	input = nonToken.ReplaceAllString(input, "")

	var kept []string
	for _, w := range strings.Fields(input) {
		if _, skip := n.drop[w]; !skip {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
