package gateway

import (
	"regexp"

	"github.com/vnmchuo/llm-fanout/internal/quota"
)

// Some models leak MathML markup into plain-text answers; strip those
// fragments and collapse runs of blank lines.
var (
	mathMLTagRe   = regexp.MustCompile(`(?s)<math[^>]*>.*?</math>`)
	mathMLStrayRe = regexp.MustCompile(`</?(?:math|mi|mo|mn|mrow|mfrac|msup|msub|msqrt|mtext|mspace|mover|munder|mtable|mtr|mtd)[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

func cleanup(s string) string {
	s = mathMLTagRe.ReplaceAllString(s, "")
	s = mathMLStrayRe.ReplaceAllString(s, "")
	return blankRunRe.ReplaceAllString(s, "\n\n")
}

// finishNotice explains a non-normal stop to the user. Length stops name
// the tier ceiling and the upgrade path.
func finishNotice(finish string, tier quota.ResponseTier) string {
	switch finish {
	case "length":
		switch tier {
		case quota.TierBrief:
			return "\n\n[Answer cut off at the brief tier's 2000-token limit. Use the standard or extended tier for longer answers.]"
		case quota.TierExtended:
			return "\n\n[Answer cut off at the extended tier's maximum output length.]"
		default:
			return "\n\n[Answer cut off at the standard tier's 4000-token limit. Use the extended tier for longer answers.]"
		}
	case "content_filter":
		return "\n\n[The model stopped early due to its content policy.]"
	default:
		return ""
	}
}

// finalize post-processes the complete accumulated text. A normal stop gets
// the light cleanup pass; truncated or filtered answers are passed through
// untouched with the notice appended.
func finalize(content, finish string, tier quota.ResponseTier) string {
	if notice := finishNotice(finish, tier); notice != "" {
		return content + notice
	}
	return cleanup(content)
}
