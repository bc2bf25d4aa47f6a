// Package normalize maps the unstable battle-result payloads returned
// by the backend onto model.ResultSnapshot.
//
// Result is pure and total: any input, including invalid JSON, yields a
// fully shaped snapshot whose missing fields are nil.
package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nhle/notifycenter/internal/model"
)

// metaKeys are the fields that may carry the nested metadata, either
// as an object or as a JSON-encoded string.
var metaKeys = []string{"metaJson", "metaJSON", "meta"}

// opponentPaths are searched in order for the opponent stat object.
var opponentPaths = []string{
	"opponent.character.stats",
	"opponent.stats",
	"opponent",
	"enemy.stats",
	"enemy",
	"target.stats",
	"target",
	"opponentCharacter.stats",
	"opponentStatus",
}

// Alternative spellings per canonical stat, in priority order.
var (
	levelKeys = []string{"level", "lv", "LEVEL", "LV"}
	gradeKeys = []string{"gradeId", "GRADE_ID", "grade", "Grade"}
	hpKeys    = []string{"hp", "HP", "health", "Health"}
	atkKeys   = []string{"atk", "ATK", "attack", "Attack"}
	defKeys   = []string{"def", "DEF", "defense", "Defense"}
	spdKeys   = []string{"spd", "SPD", "speed", "Speed"}
	critKeys  = []string{"crit", "CRIT", "critical", "Critical", "critRate", "crit_rate"}
)

// Result normalizes a raw result-modal payload.
func Result(raw []byte) model.ResultSnapshot {
	root := object(gjson.Result{})
	if gjson.ValidBytes(raw) {
		root = object(gjson.ParseBytes(raw))
	}
	meta := metadata(root)
	stats := opponent(meta, root)

	grade := firstNumber(
		number(field(root, "gradeId")),
		number(field(meta, "gradeId")),
		number(pick(stats, gradeKeys)),
	)

	level := number(firstPresent(
		field(root, "level"),
		field(meta, "level"),
		pick(stats, levelKeys),
	))
	if level == nil {
		level = grade
	}

	return model.ResultSnapshot{
		BattleID: text(field(root, "battleId")),
		Result:   result(root, meta),

		OpponentUserID:        text(field(root, "opponentUserId")),
		OpponentNickname:      text(field(root, "opponentNickname")),
		OpponentCharacterID:   text(field(root, "opponentCharacterId")),
		OpponentCharacterName: text(field(root, "opponentCharacterName")),
		OpponentImageURL: text(firstPresent(
			field(root, "opponentImageUrl"),
			field(meta, "opponentImageUrl"),
		)),

		GradeID: grade,
		Level:   level,
		HP:      stat(root, stats, "hp", hpKeys),
		Atk:     stat(root, stats, "atk", atkKeys),
		Def:     stat(root, stats, "def", defKeys),
		Spd:     stat(root, stats, "spd", spdKeys),
		Crit:    stat(root, stats, "crit", critKeys),
	}
}

// object returns r when it is a JSON object and an empty object
// otherwise, so later lookups never need to special-case bad input.
func object(r gjson.Result) gjson.Result {
	if r.IsObject() {
		return r
	}
	return gjson.Parse("{}")
}

// metadata resolves the nested metadata object. A string value is
// parsed as JSON; parse failures and non-objects yield an empty object.
func metadata(root gjson.Result) gjson.Result {
	v := firstPresent(
		field(root, metaKeys[0]),
		field(root, metaKeys[1]),
		field(root, metaKeys[2]),
	)
	if v.Type == gjson.String {
		if !gjson.Valid(v.Str) {
			return object(gjson.Result{})
		}
		return object(gjson.Parse(v.Str))
	}
	return object(v)
}

// opponent returns the first candidate path resolving to an object,
// searching the metadata before the top-level payload. With no match
// the top-level payload is the stat source.
func opponent(meta, root gjson.Result) gjson.Result {
	for _, src := range []gjson.Result{meta, root} {
		for _, path := range opponentPaths {
			if v := src.Get(path); v.IsObject() {
				return v
			}
		}
	}
	return root
}

// stat resolves a numeric stat: the canonical top-level key first, then
// the alternative spellings on the opponent object. The first present
// value wins even when it is not numeric.
func stat(root, stats gjson.Result, canonical string, keys []string) *float64 {
	return number(firstPresent(field(root, canonical), pick(stats, keys)))
}

// result derives the WIN/LOSE tag from result, isWin or isWinYn.
func result(root, meta gjson.Result) *string {
	v := firstPresent(
		field(root, "result"),
		field(meta, "result"),
		field(root, "isWin"),
		field(meta, "isWin"),
	)
	switch v.Type {
	case gjson.True:
		return ptr(model.ResultWin)
	case gjson.False:
		return ptr(model.ResultLose)
	case gjson.String, gjson.Number:
		return text(v)
	}

	for _, src := range []gjson.Result{root, meta} {
		if src.Get("isWinYn").Str == "Y" {
			return ptr(model.ResultWin)
		}
	}
	for _, src := range []gjson.Result{root, meta} {
		if src.Get("isWinYn").Str == "N" {
			return ptr(model.ResultLose)
		}
	}
	return nil
}

// field looks up a single literal key, escaping gjson path syntax.
func field(obj gjson.Result, key string) gjson.Result {
	if !obj.IsObject() {
		return gjson.Result{}
	}
	return obj.Get(escape(key))
}

// pick returns the first key of keys present (and not null) on obj.
func pick(obj gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := field(obj, k); present(v) {
			return v
		}
	}
	return gjson.Result{}
}

func firstPresent(values ...gjson.Result) gjson.Result {
	for _, v := range values {
		if present(v) {
			return v
		}
	}
	return gjson.Result{}
}

func firstNumber(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null
}

// number coerces finite numbers and numeric strings; anything else,
// including NaN and infinities, is nil.
func number(v gjson.Result) *float64 {
	var n float64
	switch v.Type {
	case gjson.Number:
		n = v.Num
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		n = f
	default:
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	return &n
}

// text renders scalar values as strings. Numbers keep their original
// JSON spelling so identifiers round-trip unchanged.
func text(v gjson.Result) *string {
	switch v.Type {
	case gjson.String:
		return ptr(v.Str)
	case gjson.Number:
		return ptr(v.Raw)
	case gjson.True, gjson.False:
		return ptr(v.Raw)
	default:
		return nil
	}
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
)

func escape(key string) string {
	return pathEscaper.Replace(key)
}

func ptr(s string) *string {
	return &s
}
