package privacy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactNoSensitiveIDsSurvive(t *testing.T) {
	ctx := WithSensitiveIDs(context.Background(), map[string]struct{}{
		"123456789": {},
		"987654":    {},
	})

	out := Redact(ctx, "bot1", "group1", "踢出 123456789，@987654 查看 qq=55667788", nil)

	require.NotContains(t, out, "123456789")
	require.NotContains(t, out, "987654")
	require.NotContains(t, out, "55667788")
}

func TestRedactPreservesCQSegments(t *testing.T) {
	ctx := context.Background()
	out := Redact(ctx, "bot1", "", "hello [CQ:at,qq=12345] world", nil)
	require.Contains(t, out, "[CQ:at,qq=12345]")
}

func TestPatternRedactQQEquals(t *testing.T) {
	out := patternRedact("contact me qq=12345678 thanks")
	require.Equal(t, "contact me qq=已隐藏 thanks", out)
}

func TestPatternRedactAtMention(t *testing.T) {
	out := patternRedact("hey @12345 how are you")
	require.Equal(t, "hey @用户 how are you", out)
}

func TestPatternRedactParenID(t *testing.T) {
	out := patternRedact("user (123456789) joined")
	require.Equal(t, "user (已隐藏) joined", out)
}

type stubResolver struct{ name string }

func (s stubResolver) ResolveNickname(ctx context.Context, botID, groupID, userID string) (string, bool) {
	return s.name, true
}

func TestOpportunisticRedactUsesResolver(t *testing.T) {
	out := Redact(context.Background(), "bot1", "group1", "ping 22334455 now", stubResolver{name: "张三"})
	require.Contains(t, out, "张三")
	require.NotContains(t, out, "22334455")
}

func TestSensitiveIDResolvedToNickname(t *testing.T) {
	ctx := WithSensitiveIDs(context.Background(), map[string]struct{}{"55667788": {}})
	out := Redact(ctx, "bot1", "group1", "操作人 55667788 已退出", stubResolver{name: "李四"})
	require.Contains(t, out, "李四")
	require.NotContains(t, out, "55667788")
}

func TestSensitiveIDFallsBackToMemberLiteral(t *testing.T) {
	ctx := WithSensitiveIDs(context.Background(), map[string]struct{}{"55667788": {}})
	out := Redact(ctx, "bot1", "group1", "操作人 55667788 已退出", nil)
	require.Contains(t, out, "成员")
	require.NotContains(t, out, "55667788")
}
