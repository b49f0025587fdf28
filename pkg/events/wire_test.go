package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := Frame(42, []byte(`{"count":1}`))
	require.Equal(t, byte(0), frame[0])

	id, payload, err := Unframe(frame)
	require.NoError(t, err)
	require.Equal(t, 42, id)
	require.JSONEq(t, `{"count":1}`, string(payload))
}

func TestUnframeRejectsMalformed(t *testing.T) {
	_, _, err := Unframe([]byte{0, 1})
	require.ErrorContains(t, err, "too short")

	_, _, err = Unframe([]byte{1, 0, 0, 0, 1, '{', '}'})
	require.ErrorContains(t, err, "magic byte")
}

func TestTypeForTopic(t *testing.T) {
	require.Equal(t, TypeStepsUpserted, TypeForTopic(TopicDailySteps))
	require.Equal(t, TypeChallengeStatusChanged, TypeForTopic(TopicChallengeChanges))
	require.Empty(t, TypeForTopic("other"))
}
