package permissions

import "fmt"

// Level is a page permission level. The zero value is not a valid level;
// use LevelNone to express "no grant".
type Level string

const (
	LevelFullAccess     Level = "full_access"
	LevelProposalEditor Level = "proposal_editor"
	LevelEditor         Level = "editor"
	LevelViewComment    Level = "view_comment"
	LevelView           Level = "view"
	LevelCustom         Level = "custom"
	LevelNone           Level = "none"
)

// Comparison is the outcome of comparing a level against a base level.
type Comparison string

const (
	More  Comparison = "more"
	Less  Comparison = "less"
	Equal Comparison = "equal"
)

// rank orders levels from lowest to highest.
var rank = map[Level]int{
	LevelNone:           0,
	LevelCustom:         1,
	LevelView:           2,
	LevelViewComment:    3,
	LevelEditor:         4,
	LevelProposalEditor: 5,
	LevelFullAccess:     6,
}

// Compare reports whether comparison is More, Less or Equal relative to base.
// Unknown levels rank below LevelNone.
func Compare(base, comparison Level) Comparison {
	b, c := rankOf(base), rankOf(comparison)
	switch {
	case c > b:
		return More
	case c < b:
		return Less
	default:
		return Equal
	}
}

// Max returns the highest of the given levels, or LevelNone for no input.
func Max(levels ...Level) Level {
	best := LevelNone
	for _, level := range levels {
		if Compare(best, level) == More {
			best = level
		}
	}
	return best
}

// AtLeast reports whether level is greater than or equal to minimum.
func AtLeast(level, minimum Level) bool {
	return Compare(minimum, level) != Less
}

func (l Level) Valid() bool {
	_, ok := rank[l]
	return ok
}

// Grantable reports whether the level can be stored on a grant row.
func (l Level) Grantable() bool {
	return l.Valid() && l != LevelNone
}

func ParseLevel(value string) (Level, error) {
	level := Level(value)
	if !level.Grantable() {
		return "", fmt.Errorf("unknown permission level %q", value)
	}
	return level, nil
}

func rankOf(level Level) int {
	if r, ok := rank[level]; ok {
		return r
	}
	return -1
}
