package model

// Result tags carried by ResultSnapshot.Result.
const (
	ResultWin  = "WIN"
	ResultLose = "LOSE"
)

// ResultSnapshot is the canonical shape of a battle-result payload.
// Every field is independently nil because upstream payloads may omit
// or rename any of them.
type ResultSnapshot struct {
	BattleID *string `json:"battleId"`
	Result   *string `json:"result"`

	OpponentUserID        *string `json:"opponentUserId"`
	OpponentNickname      *string `json:"opponentNickname"`
	OpponentCharacterID   *string `json:"opponentCharacterId"`
	OpponentCharacterName *string `json:"opponentCharacterName"`
	OpponentImageURL      *string `json:"opponentImageUrl"`

	GradeID *float64 `json:"gradeId"`
	Level   *float64 `json:"level"`
	HP      *float64 `json:"hp"`
	Atk     *float64 `json:"atk"`
	Def     *float64 `json:"def"`
	Spd     *float64 `json:"spd"`
	Crit    *float64 `json:"crit"`
}

// IsWin reports whether the snapshot records a win.
func (s ResultSnapshot) IsWin() bool {
	return s.Result != nil && *s.Result == ResultWin
}

// GradeLabel maps a grade id to its rarity label.
func GradeLabel(gradeID *float64) string {
	if gradeID == nil {
		return "-"
	}
	switch int(*gradeID) {
	case 1:
		return "N"
	case 2:
		return "R"
	case 3:
		return "SR"
	case 4:
		return "SSR"
	case 5:
		return "UR"
	default:
		return "-"
	}
}
