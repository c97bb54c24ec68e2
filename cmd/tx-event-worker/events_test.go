package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/event"
	"wallet-txengine/internal/service/mq"
	"wallet-txengine/pkg/cache"
)

func message(t *testing.T, e event.TxStatusChangedEvent) *mq.Message {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return &mq.Message{Topic: event.TopicTxStatus, Key: e.TxID, Payload: payload}
}

func TestTxEventHandler(t *testing.T) {
	h := NewTxEventHandler(cache.NewMemoryCache(time.Minute, time.Minute))
	var finals []string
	h.OnFinal(func(e event.TxStatusChangedEvent) { finals = append(finals, e.TxID+":"+e.Status) })

	submitted := event.TxStatusChangedEvent{TxID: "a", ChainID: 1, PrevStatus: "signed", Status: "submitted"}
	confirmed := event.TxStatusChangedEvent{TxID: "a", ChainID: 1, PrevStatus: "submitted", Status: "confirmed", Hash: "0x01"}

	steps := []struct {
		name        string
		msg         *mq.Message
		wantHandled int
	}{
		{"submitted", message(t, submitted), 1},
		{"confirmed", message(t, confirmed), 2},
		{"redelivered", message(t, confirmed), 2},
		{"malformed", &mq.Message{Topic: event.TopicTxStatus, Payload: []byte("{")}, 2},
	}
	for _, s := range steps {
		require.NoError(t, h.Handle(s.msg), s.name)
		assert.Equal(t, s.wantHandled, h.handled, s.name)
	}
	assert.Equal(t, []string{"a:confirmed"}, finals)
}
