package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessageNeverLeaksDetail(t *testing.T) {
	cause := stderrors.New("pq: connection refused at 10.0.0.3")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "access denied hides the reason",
			err:  AccessDenied("user 1 cannot read proj_abc"),
			want: "You don't have access to this context.",
		},
		{
			name: "invalid argument passes its message through",
			err:  InvalidArgument("message is required"),
			want: "message is required",
		},
		{
			name: "llm failure hides the upstream cause",
			err:  Wrap(cause, ErrCodeLLMUnavailable, "llm stream"),
			want: "The assistant is temporarily unavailable.",
		},
		{
			name: "turn failure gets the generic fallback",
			err:  TurnFailed("prepare turn", cause),
			want: "Something went wrong while processing your message.",
		},
		{
			name: "plain errors get the generic fallback",
			err:  cause,
			want: "Something went wrong while processing your message.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := UserMessage(tt.err)
			assert.Equal(t, tt.want, msg)
			assert.NotContains(t, msg, "10.0.0.3")
		})
	}
}

func TestChatErrorUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, ErrCodeTurnFailed, "prepare turn")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TURN_FAILED")
}
