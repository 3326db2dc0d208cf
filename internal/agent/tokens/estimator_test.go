package tokens

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()
	assert.Equal(t, 0, e.CountText(""))

	short := e.CountText("hello")
	long := e.CountText("hello there, this sentence is quite a bit longer than the first one")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestEstimator_CountMessages(t *testing.T) {
	e := NewEstimator()
	assert.Equal(t, 0, e.CountMessages(nil))

	msgs := []*schema.Message{
		schema.SystemMessage("be brief"),
		nil,
		schema.UserMessage("Explain gravity"),
	}
	got := e.CountMessages(msgs)
	framing := 2*(tokensPerMessage+tokensPerRole) + replyPriming
	assert.Equal(t, framing+e.CountText("be brief")+e.CountText("Explain gravity"), got)
}

func TestEstimator_Estimate(t *testing.T) {
	e := NewEstimator()
	u := e.Estimate([]*schema.Message{schema.UserMessage("hi")}, "hello back")
	assert.Greater(t, u.InputTokens, 0)
	assert.Equal(t, e.CountText("hello back"), u.OutputTokens)
}
