// Package proposal holds the proposal workflow stages and the fixed mapping
// from stage and participant category to page permission level.
package proposal

import (
	"fmt"

	"pageperm/api/internal/permissions"
)

type Stage int

const (
	StagePrivateDraft Stage = iota
	StageDraft
	StageDiscussion
	StageReview
	StageReviewed
	StageVoteActive
	StageVoteClosed

	stageCount
)

var stageNames = [stageCount]string{
	StagePrivateDraft: "private_draft",
	StageDraft:        "draft",
	StageDiscussion:   "discussion",
	StageReview:       "review",
	StageReviewed:     "reviewed",
	StageVoteActive:   "vote_active",
	StageVoteClosed:   "vote_closed",
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Valid() bool {
	return s >= 0 && s < stageCount
}

func ParseStage(value string) (Stage, error) {
	for i, name := range stageNames {
		if name == value {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown proposal stage %q", value)
}

// Stages returns every stage in workflow order.
func Stages() []Stage {
	out := make([]Stage, 0, stageCount)
	for s := Stage(0); s < stageCount; s++ {
		out = append(out, s)
	}
	return out
}

type Category int

const (
	CategoryAuthor Category = iota
	CategoryReviewer
	CategoryCommunity

	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryAuthor:
		return "author"
	case CategoryReviewer:
		return "reviewer"
	case CategoryCommunity:
		return "community"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Cell is one entry of the mapping table. Set distinguishes an explicit "no
// grant" from a cell somebody forgot to fill in.
type Cell struct {
	Level permissions.Level
	Set   bool
}

func grant(level permissions.Level) Cell { return Cell{Level: level, Set: true} }

var noGrant = Cell{Level: permissions.LevelNone, Set: true}

type Mapping [categoryCount]Cell

// stageMappings is indexed by Stage. The array length makes a missing stage a
// compile error; init rejects a stage row with an unset cell.
var stageMappings = [stageCount]Mapping{
	StagePrivateDraft: {
		CategoryAuthor:    grant(permissions.LevelProposalEditor),
		CategoryReviewer:  noGrant,
		CategoryCommunity: noGrant,
	},
	StageDraft: {
		CategoryAuthor:    grant(permissions.LevelProposalEditor),
		CategoryReviewer:  noGrant,
		CategoryCommunity: grant(permissions.LevelView),
	},
	StageDiscussion: {
		CategoryAuthor:    grant(permissions.LevelProposalEditor),
		CategoryReviewer:  noGrant,
		CategoryCommunity: grant(permissions.LevelViewComment),
	},
	StageReview: {
		CategoryAuthor:    grant(permissions.LevelViewComment),
		CategoryReviewer:  grant(permissions.LevelViewComment),
		CategoryCommunity: grant(permissions.LevelView),
	},
	StageReviewed: {
		CategoryAuthor:    noGrant,
		CategoryReviewer:  noGrant,
		CategoryCommunity: grant(permissions.LevelView),
	},
	StageVoteActive: {
		CategoryAuthor:    noGrant,
		CategoryReviewer:  noGrant,
		CategoryCommunity: grant(permissions.LevelView),
	},
	StageVoteClosed: {
		CategoryAuthor:    noGrant,
		CategoryReviewer:  noGrant,
		CategoryCommunity: grant(permissions.LevelView),
	},
}

func init() {
	if err := validateMappings(stageMappings); err != nil {
		panic(err)
	}
}

func validateMappings(table [stageCount]Mapping) error {
	for s, row := range table {
		for c, cell := range row {
			if !cell.Set {
				return fmt.Errorf("proposal stage %s has no entry for %s", Stage(s), Category(c))
			}
			if cell.Level != permissions.LevelNone && !cell.Level.Valid() {
				return fmt.Errorf("proposal stage %s maps %s to unknown level %q", Stage(s), Category(c), cell.Level)
			}
		}
	}
	return nil
}

// LevelFor returns the level a participant category receives at a stage.
// ok is false when the category gets no grant at that stage.
func LevelFor(stage Stage, category Category) (permissions.Level, bool) {
	if !stage.Valid() || category < 0 || category >= categoryCount {
		return permissions.LevelNone, false
	}
	cell := stageMappings[stage][category]
	return cell.Level, cell.Level != permissions.LevelNone
}

// CanTransition reports whether a proposal may move between two stages. The
// workflow moves one step at a time; going back is allowed until voting
// starts. Staying on the same stage is a resync and always allowed.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch {
	case from == to:
		return true
	case to == from+1:
		return true
	case to == from-1:
		return from < StageVoteActive
	default:
		return false
	}
}
