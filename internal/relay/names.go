package relay

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

// Session ids are two lowercase words joined by a hyphen. The pool gives
// 2500 combinations; collisions are retried by the registry.
var (
	idAdjectives = []string{
		"amber", "azure", "bold", "brave", "bright", "calm", "cedar", "clever",
		"coral", "crisp", "dapper", "deft", "eager", "fancy", "fleet", "gentle",
		"golden", "happy", "hazel", "ivory", "jolly", "keen", "lively", "lucid",
		"lunar", "mellow", "merry", "misty", "noble", "olive", "plucky", "proud",
		"quiet", "rapid", "rosy", "royal", "rustic", "sandy", "silent", "silver",
		"sleek", "snappy", "solar", "spry", "stout", "sunny", "swift", "tidal",
		"vivid", "witty",
	}
	idNouns = []string{
		"badger", "bay", "beacon", "breeze", "brook", "canyon", "cloud", "comet",
		"cove", "crane", "delta", "dune", "ember", "falcon", "fern", "finch",
		"fjord", "flare", "fox", "gale", "glade", "grove", "harbor", "hawk",
		"heron", "lagoon", "lark", "lotus", "maple", "meadow", "mesa", "otter",
		"owl", "pine", "prairie", "quail", "reef", "ridge", "river", "robin",
		"sage", "sparrow", "spire", "summit", "tern", "thicket", "tide", "vale",
		"willow", "wren",
	}
)

// sessionIDPattern is the only accepted id shape, matched case-sensitively.
var sessionIDPattern = regexp.MustCompile(`^[a-z]+-[a-z]+$`)

// ValidSessionID reports whether s has the <word>-<word> shape.
func ValidSessionID(s string) bool {
	return sessionIDPattern.MatchString(s)
}

// newSessionID generates a random <word>-<word> id.
func newSessionID() string {
	return pick(idAdjectives) + "-" + pick(idNouns)
}

func pick(words []string) string {
	idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	return words[idx.Int64()]
}
