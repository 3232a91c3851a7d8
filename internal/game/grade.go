package game

import (
	"bytes"
	"fmt"
)

// Grade is the leader's verdict for one player's answer in one round.
type Grade int

const (
	GradeIncorrect Grade = iota
	GradeCorrect
	GradeBonus
)

// On the wire a grade is a JSON bool, or the string "bonus" for the higher
// award. This matches what grading clients send.
func (g *Grade) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte("true")):
		*g = GradeCorrect
	case bytes.Equal(data, []byte("false")):
		*g = GradeIncorrect
	case bytes.Equal(data, []byte(`"bonus"`)):
		*g = GradeBonus
	default:
		return fmt.Errorf("invalid grade value: %s", data)
	}
	return nil
}

func (g Grade) MarshalJSON() ([]byte, error) {
	switch g {
	case GradeCorrect:
		return []byte("true"), nil
	case GradeBonus:
		return []byte(`"bonus"`), nil
	default:
		return []byte("false"), nil
	}
}

// RewardSchedule maps grade kinds to point values. It is injected from
// configuration rather than hardcoded; deployments have run both 1/2 and
// 10-point scales.
type RewardSchedule struct {
	Correct int `json:"correct" yaml:"correct"`
	Bonus   int `json:"bonus" yaml:"bonus"`
}

// DefaultRewards is the flat 1/2 schedule.
func DefaultRewards() RewardSchedule {
	return RewardSchedule{Correct: 1, Bonus: 2}
}

// Points returns the award for a grade. The zero Grade (incorrect, or a
// player absent from the grade map) is worth zero.
func (rs RewardSchedule) Points(g Grade) int {
	switch g {
	case GradeCorrect:
		return rs.Correct
	case GradeBonus:
		return rs.Bonus
	default:
		return 0
	}
}
