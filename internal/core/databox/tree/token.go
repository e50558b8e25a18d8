package tree

// ModifyLevel describes how much a mutation affected the tree.
type ModifyLevel uint8

const (
	LevelNothing ModifyLevel = iota
	LevelTouched
	LevelChanged
)

func (l ModifyLevel) String() string {
	switch l {
	case LevelTouched:
		return "touched"
	case LevelChanged:
		return "changed"
	default:
		return "nothing"
	}
}

// ModifyToken carries the result of one top-level mutation call through the
// recursive descent. A fresh token is created per call.
type ModifyToken struct {
	// Level is the highest modify level reached.
	Level ModifyLevel
	// Potential is set when an insert was applied as an update or vice versa.
	Potential bool
	// CheckDataChange enables deep-equality checks so overwrites can be
	// reported as LevelChanged instead of LevelTouched.
	CheckDataChange bool
}

// NewModifyToken creates a token for one mutation call.
func NewModifyToken(checkDataChange bool) *ModifyToken {
	return &ModifyToken{CheckDataChange: checkDataChange}
}

func (t *ModifyToken) raise(level ModifyLevel) {
	if level > t.Level {
		t.Level = level
	}
}

// child returns an empty token with the same settings as t.
func (t *ModifyToken) child() *ModifyToken {
	return &ModifyToken{CheckDataChange: t.CheckDataChange}
}

// join folds the outcome of a child token into t.
func (t *ModifyToken) join(sub *ModifyToken) {
	t.raise(sub.Level)
	t.Potential = t.Potential || sub.Potential
}

// Touched reports whether the operation reached at least LevelTouched.
func (t *ModifyToken) Touched() bool { return t.Level >= LevelTouched }

// Changed reports whether the operation provably changed data.
func (t *ModifyToken) Changed() bool { return t.Level >= LevelChanged }

// overwriteLevel decides the level of replacing old with new.
func (t *ModifyToken) overwriteLevel(old, new any) ModifyLevel {
	if t.CheckDataChange && !DeepEqual(dataOf(old), dataOf(new)) {
		return LevelChanged
	}
	return LevelTouched
}

// checkTimestamp accepts a write when the stored timestamp is not newer than
// the incoming one. Equal timestamps pass.
func checkTimestamp(existing, incoming int64) bool {
	return existing <= incoming
}
