package broker

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassifiers(t *testing.T) {
	t.Run("retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(&NetworkError{Broker: "x", Err: errors.New("refused")}))
		assert.True(t, IsRetryable(fmt.Errorf("outer: %w", &NetworkError{Broker: "x"})))
		assert.False(t, IsRetryable(&BrokerError{Broker: "x", Code: "RMS"}))
		assert.False(t, IsRetryable(nil))
	})

	t.Run("auth failure", func(t *testing.T) {
		assert.True(t, IsAuthFailure(&AuthError{Broker: "x", Reason: "bad token"}))
		assert.True(t, IsAuthFailure(&SessionExpiredError{ConnectionID: 1}))
		assert.True(t, IsAuthFailure(fmt.Errorf("authenticate: %w", &AuthError{Broker: "x"})))
		assert.False(t, IsAuthFailure(&NetworkError{Broker: "x"}))
	})
}

func TestProtocolErrorKeepsBoundedExcerpt(t *testing.T) {
	short := &ProtocolError{Broker: "x", Raw: []byte(`<html>oops</html>`), Err: errors.New("unexpected response")}
	assert.Contains(t, short.Error(), "<html>oops</html>")

	long := &ProtocolError{Broker: "x", Raw: bytes.Repeat([]byte("a"), 10000), Err: errors.New("unexpected response")}
	msg := long.Error()
	assert.Contains(t, msg, "...(truncated)")
	assert.Less(t, len(msg), 5000)
}

func TestValidationErrorMessage(t *testing.T) {
	assert.Equal(t, "validation: price: 限价单必须提供价格", (&ValidationError{Field: "price", Reason: "限价单必须提供价格"}).Error())
	assert.Equal(t, "validation: boom", (&ValidationError{Reason: "boom"}).Error())
}
