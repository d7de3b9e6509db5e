package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は求人や応募の自由記述をプレーンテキストに正規化する。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、制御文字を取り除いて前後の空白を詰めた文字列を返す。
	// 改行とタブは保持する。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// bluemonday.Policyはゴルーチンセーフなので共有してよい。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizePasses はエンティティを戻してから再度タグ除去する回数の上限。
const maxSanitizePasses = 4

// Sanitize はタグ除去とエンティティの復元を変化がなくなるまで繰り返し、プレーンテキストとして返す。
// エスケープされたタグも復元後に除去される。上限回数で収束しない入力はエスケープされたままの形で返す。
// 出力はHTMLとして解釈される前提ではなく、JSONの文字列値として返される。
func (s *textSanitizer) Sanitize(raw string) string {
	text := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)

	for pass := 1; ; pass++ {
		stripped := s.policy.Sanitize(text)
		next := html.UnescapeString(stripped)
		if next == text {
			break
		}
		if pass == maxSanitizePasses {
			text = stripped
			break
		}
		text = next
	}
	return strings.TrimSpace(text)
}
