package ingest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyforecast/pkg/logger"
)

func TestHub_PublishReachesClient(t *testing.T) {
	hub := NewHub(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(EventPredictions, []Prediction{{AssetID: "a1", Values: map[string]float64{"predicted_temp": 1}}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string       `json:"type"`
		Data []Prediction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, EventPredictions, ev.Type)
	require.Len(t, ev.Data, 1)
	require.Equal(t, "a1", ev.Data[0].AssetID)
}
