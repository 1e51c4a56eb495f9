// Package privacy implements the outbound redaction pipeline applied to
// all text leaving the orchestrator: model replies, forward-rendered
// text, and plain outbound messages. Sensitive ids are tracked
// per-request via context.Context values, so every redaction call in a
// request's call tree sees the same set.
package privacy

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

type sensitiveIDsKey struct{}

// WithSensitiveIDs returns a context carrying the given id set, available
// to redaction calls anywhere downstream in the same request's call tree.
func WithSensitiveIDs(ctx context.Context, ids map[string]struct{}) context.Context {
	return context.WithValue(ctx, sensitiveIDsKey{}, ids)
}

// SensitiveIDs returns the id set installed by WithSensitiveIDs, or an
// empty set if none was installed.
func SensitiveIDs(ctx context.Context) map[string]struct{} {
	if ids, ok := ctx.Value(sensitiveIDsKey{}).(map[string]struct{}); ok {
		return ids
	}
	return map[string]struct{}{}
}

// NicknameResolver looks up a display name for a user id, optionally
// scoped to a group (card first, then nickname).
// Implemented by botruntime.Registry over its OneBot CallAPI.
type NicknameResolver interface {
	ResolveNickname(ctx context.Context, botID, groupID, userID string) (string, bool)
}

var (
	cqSegmentRe   = regexp.MustCompile(`\[CQ:[^\]]*\]`)
	atPatternRe   = regexp.MustCompile(`@(\d{5,12})`)
	parenIDRe     = regexp.MustCompile(`\((\d{5,12})\)`)
	qqUinRe       = regexp.MustCompile(`(?i)(qq|uin)\s*=\s*\d{5,12}`)
	digitTokenRe  = regexp.MustCompile(`\b\d{5,12}\b`)
	maxOpportunisticLookups = 8
)

// Redact applies the full pipeline to text: CQ protection, sensitive-id
// substitution, opportunistic digit-token redaction, then unconditional
// pattern redaction.
func Redact(ctx context.Context, botID, groupID string, text string, resolver NicknameResolver) string {
	protected, placeholders := protectCQSegments(text)

	protected = substituteSensitiveIDs(ctx, botID, groupID, protected, resolver)

	if resolver != nil {
		protected = opportunisticRedact(ctx, botID, groupID, protected, resolver)
	}

	protected = patternRedact(protected)

	return restoreCQSegments(protected, placeholders)
}

// protectCQSegments replaces every [CQ:...] segment with an indexed
// placeholder so redaction never mangles "at" mentions or media codes.
func protectCQSegments(text string) (string, []string) {
	var placeholders []string
	out := cqSegmentRe.ReplaceAllStringFunc(text, func(m string) string {
		idx := len(placeholders)
		placeholders = append(placeholders, m)
		return placeholderFor(idx)
	})
	return out, placeholders
}

func placeholderFor(i int) string {
	return "__NBOT_CQ_SEG_" + strconv.Itoa(i) + "__"
}

func restoreCQSegments(text string, placeholders []string) string {
	for i, original := range placeholders {
		text = strings.ReplaceAll(text, placeholderFor(i), original)
	}
	return text
}

// substituteSensitiveIDs replaces every occurrence of a known sensitive id
// (sender, at targets, reply target) with its resolved display name:
// group card, then nickname, then the literal 成员 when no lookup
// succeeds.
func substituteSensitiveIDs(ctx context.Context, botID, groupID, text string, resolver NicknameResolver) string {
	for id := range SensitiveIDs(ctx) {
		if id == "" || !strings.Contains(text, id) {
			continue
		}
		replacement := "成员"
		if resolver != nil {
			if name, ok := resolver.ResolveNickname(ctx, botID, groupID, id); ok {
				replacement = name
			}
		}
		text = strings.ReplaceAll(text, id, replacement)
	}
	return text
}

// opportunisticRedact resolves any remaining 5-12 digit tokens via the
// nickname resolver, up to 8 lookups per message, replacing resolved ids
// with the looked-up nickname.
func opportunisticRedact(ctx context.Context, botID, groupID, text string, resolver NicknameResolver) string {
	matches := digitTokenRe.FindAllString(text, -1)
	lookups := 0
	seen := map[string]bool{}
	for _, tok := range matches {
		if seen[tok] || lookups >= maxOpportunisticLookups {
			continue
		}
		seen[tok] = true
		lookups++
		if name, ok := resolver.ResolveNickname(ctx, botID, groupID, tok); ok {
			text = strings.ReplaceAll(text, tok, name)
		}
	}
	return text
}

// patternRedact applies the unconditional mention/id/qq patterns: @digits,
// (digits), and qq=/uin=digits.
func patternRedact(text string) string {
	text = atPatternRe.ReplaceAllString(text, "@用户")
	text = parenIDRe.ReplaceAllString(text, "(已隐藏)")
	text = qqUinRe.ReplaceAllStringFunc(text, func(m string) string {
		return qqUinKey(m) + "已隐藏"
	})
	return text
}

func qqUinKey(m string) string {
	for i, r := range m {
		if r == '=' {
			return m[:i+1]
		}
	}
	return ""
}
