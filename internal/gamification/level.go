// Package gamification derives experience points and levels from the number
// of confirmed participations. Nothing here is stored.
package gamification

const (
	DefaultPointsPerParticipation = 50
	DefaultPointsPerLevel         = 100
)

type Calculator struct {
	PointsPerParticipation int
	PointsPerLevel         int
}

// Progress is the derived profile progress for a participation count.
type Progress struct {
	Participations  int `json:"participations"`
	Points          int `json:"points"`
	Level           int `json:"level"`
	ProgressInLevel int `json:"progress_in_level"`
	PointsPerLevel  int `json:"points_per_level"`
}

func Default() Calculator {
	return Calculator{
		PointsPerParticipation: DefaultPointsPerParticipation,
		PointsPerLevel:         DefaultPointsPerLevel,
	}
}

// New returns a calculator with the given constants. Non-positive values
// fall back to the defaults.
func New(pointsPerParticipation, pointsPerLevel int) Calculator {
	c := Calculator{PointsPerParticipation: pointsPerParticipation, PointsPerLevel: pointsPerLevel}
	return c.normalized()
}

func (c Calculator) normalized() Calculator {
	if c.PointsPerParticipation <= 0 {
		c.PointsPerParticipation = DefaultPointsPerParticipation
	}
	if c.PointsPerLevel <= 0 {
		c.PointsPerLevel = DefaultPointsPerLevel
	}
	return c
}

// Compute returns points, level and progress within the level. Level starts
// at 1. A negative count is treated as zero.
func (c Calculator) Compute(participations int) Progress {
	c = c.normalized()
	if participations < 0 {
		participations = 0
	}

	points := participations * c.PointsPerParticipation
	return Progress{
		Participations:  participations,
		Points:          points,
		Level:           points/c.PointsPerLevel + 1,
		ProgressInLevel: points % c.PointsPerLevel,
		PointsPerLevel:  c.PointsPerLevel,
	}
}
