package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notifycenter/internal/model"
)

func num(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func TestResult_Total(t *testing.T) {
	inputs := map[string]string{
		"empty object":  `{}`,
		"invalid json":  `{"hp":`,
		"bare string":   `"WIN"`,
		"array":         `[1,2,3]`,
		"null":          `null`,
		"empty input":   ``,
		"meta not json": `{"metaJson": "not json"}`,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			var got model.ResultSnapshot
			require.NotPanics(t, func() { got = Result([]byte(in)) })
			assert.Equal(t, model.ResultSnapshot{}, got)
		})
	}
}

func TestResult_TopLevelAlternativeSpellings(t *testing.T) {
	got := Result([]byte(`{"hp": 50, "ATK": 10}`))

	assert.Equal(t, num(50), got.HP)
	assert.Equal(t, num(10), got.Atk)
	assert.Nil(t, got.Def)
	assert.Nil(t, got.Spd)
	assert.Nil(t, got.Crit)
	assert.Nil(t, got.Level)
	assert.Nil(t, got.GradeID)
	assert.Nil(t, got.Result)
}

func TestResult_CandidatePaths(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *float64
	}{
		{
			name: "opponent character stats",
			in:   `{"opponent": {"hp": 1, "character": {"stats": {"HP": 100}}}}`,
			want: num(100),
		},
		{
			name: "opponent stats",
			in:   `{"opponent": {"stats": {"health": 80}}}`,
			want: num(80),
		},
		{
			name: "enemy",
			in:   `{"enemy": {"Health": 70}}`,
			want: num(70),
		},
		{
			name: "target stats",
			in:   `{"target": {"stats": {"hp": "65"}}}`,
			want: num(65),
		},
		{
			name: "opponent status",
			in:   `{"opponentStatus": {"HP": 12.5}}`,
			want: num(12.5),
		},
		{
			name: "metadata searched before top level",
			in:   `{"enemy": {"hp": 1}, "metaJson": {"target": {"hp": 2}}}`,
			want: num(2),
		},
		{
			name: "top-level canonical key wins",
			in:   `{"hp": 9, "opponent": {"hp": 3}}`,
			want: num(9),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Result([]byte(tt.in)).HP)
		})
	}
}

func TestResult_MetadataAsString(t *testing.T) {
	in := `{
		"battleId": 31,
		"metaJson": "{\"isWin\": true, \"opponent\": {\"stats\": {\"ATTACK\": 1, \"attack\": 40, \"def\": \"12\", \"SPD\": 7, \"critRate\": 0.25}}}"
	}`

	got := Result([]byte(in))

	assert.Equal(t, str("31"), got.BattleID)
	assert.Equal(t, str(model.ResultWin), got.Result)
	assert.Equal(t, num(40), got.Atk)
	assert.Equal(t, num(12), got.Def)
	assert.Equal(t, num(7), got.Spd)
	assert.Equal(t, num(0.25), got.Crit)
}

func TestResult_MetadataKeyVariants(t *testing.T) {
	for _, key := range []string{"metaJson", "metaJSON", "meta"} {
		t.Run(key, func(t *testing.T) {
			got := Result([]byte(`{"` + key + `": {"enemy": {"DEF": 5}}}`))
			assert.Equal(t, num(5), got.Def)
		})
	}
}

func TestResult_ResultTag(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *string
	}{
		{name: "result field", in: `{"result": "LOSE"}`, want: str(model.ResultLose)},
		{name: "isWin string", in: `{"isWin": "WIN"}`, want: str(model.ResultWin)},
		{name: "isWin false", in: `{"isWin": false}`, want: str(model.ResultLose)},
		{name: "isWin in metadata", in: `{"metaJson": {"isWin": "DRAW"}}`, want: str("DRAW")},
		{name: "isWinYn Y", in: `{"isWinYn": "Y"}`, want: str(model.ResultWin)},
		{name: "isWinYn N", in: `{"isWinYn": "N"}`, want: str(model.ResultLose)},
		{name: "isWinYn other", in: `{"isWinYn": "?"}`, want: nil},
		{name: "missing", in: `{"hp": 1}`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Result([]byte(tt.in)).Result)
		})
	}
}

func TestResult_LevelFallsBackToGrade(t *testing.T) {
	got := Result([]byte(`{"opponent": {"GRADE_ID": 4}}`))
	assert.Equal(t, num(4), got.GradeID)
	assert.Equal(t, num(4), got.Level)
	assert.Equal(t, "SSR", model.GradeLabel(got.GradeID))

	got = Result([]byte(`{"gradeId": 2, "opponent": {"lv": 17}}`))
	assert.Equal(t, num(2), got.GradeID)
	assert.Equal(t, num(17), got.Level)
}

func TestResult_NonNumericStatsAreNil(t *testing.T) {
	got := Result([]byte(`{"opponent": {"hp": true, "atk": "", "def": "strong", "spd": [1], "crit": null, "CRIT": 3}}`))

	assert.Nil(t, got.HP)
	assert.Nil(t, got.Atk)
	assert.Nil(t, got.Def)
	assert.Nil(t, got.Spd)
	assert.Equal(t, num(3), got.Crit)

	got = Result([]byte(`{"hp": "NaN", "atk": "Infinity", "def": 1e400, "spd": "-Inf", "crit": "+inf", "level": -1e999}`))
	assert.Nil(t, got.HP)
	assert.Nil(t, got.Atk)
	assert.Nil(t, got.Def)
	assert.Nil(t, got.Spd)
	assert.Nil(t, got.Crit)
	assert.Nil(t, got.Level)
}

func TestResult_OpponentIdentity(t *testing.T) {
	got := Result([]byte(`{
		"battleId": "b-1",
		"opponentUserId": 8,
		"opponentNickname": "kim",
		"opponentCharacterId": 21,
		"opponentCharacterName": "Aria",
		"metaJson": {"opponentImageUrl": "/img/aria.png"}
	}`))

	assert.Equal(t, str("b-1"), got.BattleID)
	assert.Equal(t, str("8"), got.OpponentUserID)
	assert.Equal(t, str("kim"), got.OpponentNickname)
	assert.Equal(t, str("21"), got.OpponentCharacterID)
	assert.Equal(t, str("Aria"), got.OpponentCharacterName)
	assert.Equal(t, str("/img/aria.png"), got.OpponentImageURL)
}
