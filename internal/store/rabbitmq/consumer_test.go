package rabbitmq

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/usage"
)

func TestDecodeUsage(t *testing.T) {
	body, err := json.Marshal(usage.NewEvent(identity.User{UserID: "u1"}, 42))
	require.NoError(t, err)

	e, err := DecodeUsage(body)
	require.NoError(t, err)
	assert.Equal(t, identity.User{UserID: "u1"}, e.Identity())
	assert.Equal(t, 42, e.Tokens)

	_, err = DecodeUsage([]byte(`{"kind":"user"}`))
	assert.Error(t, err)
	_, err = DecodeUsage([]byte(`not json`))
	assert.Error(t, err)
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 0, Attempts(nil))
	assert.Equal(t, 0, Attempts(amqp.Table{"x-attempts": "two"}))
	assert.Equal(t, 2, Attempts(amqp.Table{"x-attempts": int32(2)}))
	assert.Equal(t, 3, Attempts(amqp.Table{"x-attempts": int64(3)}))
}

func TestTopology(t *testing.T) {
	top := TopologyFor("token_usage")
	assert.Equal(t, Topology{Main: "token_usage", Retry: "token_usage.retry", DLQ: "token_usage.dlq"}, top)

	specs := top.specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "token_usage.dlq", specs[0].name)
	assert.Nil(t, specs[0].args)
	assert.Equal(t, "token_usage", specs[1].args["x-dead-letter-routing-key"])
	assert.Equal(t, "token_usage.dlq", specs[2].args["x-dead-letter-routing-key"])
}
