package estudna

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-estudna/internal/account"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

func TestHealthReporter_Status(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		clients    []*fakeCloud
		loseFirst  bool
		wantStatus HealthStatus
		wantReason string
	}{
		{
			name:       "healthy",
			connected:  true,
			clients:    []*fakeCloud{newFakeCloud(thingsboard.FamilyV1)},
			wantStatus: HealthHealthy,
		},
		{
			name:       "mqtt disconnected",
			connected:  false,
			clients:    []*fakeCloud{newFakeCloud(thingsboard.FamilyV1)},
			wantStatus: HealthDegraded,
			wantReason: "MQTT disconnected",
		},
		{
			name:       "no accounts",
			connected:  true,
			wantStatus: HealthDegraded,
			wantReason: "no accounts registered",
		},
		{
			name:       "account without session",
			connected:  true,
			clients:    []*fakeCloud{newFakeCloud(thingsboard.FamilyV1), newFakeCloud(thingsboard.FamilyV2)},
			loseFirst:  true,
			wantStatus: HealthDegraded,
			wantReason: "account acc-0 has no session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := account.NewRegistry(nil, nil)
			for i, c := range tt.clients {
				_, err := reg.Adopt("acc-"+string(rune('0'+i)), c)
				require.NoError(t, err)
			}
			if tt.loseFirst {
				tt.clients[0].Close() //nolint:errcheck // fake
			}

			mq := NewMockMQTTClient()
			mq.SetConnected(tt.connected)

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "estudna-test",
				Publisher: mq,
				Accounts:  reg,
			})

			status, reason := h.Status()
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestHealthReporter_Message(t *testing.T) {
	cloud := newFakeCloud(thingsboard.FamilyV2, thingsboard.Device{ID: "dev-1"}, thingsboard.Device{ID: "dev-2"})
	b, mq, reg := testBridge(t, cloud)
	b.PollNow(t.Context())

	require.NoError(t, b.health.PublishNow())

	pubs := mq.PublishedTo(topics.Health())
	require.Len(t, pubs, 1)
	assert.True(t, pubs[0].Retained)

	var msg HealthMessage
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &msg))
	assert.Equal(t, "estudna-test", msg.Bridge)
	assert.Equal(t, HealthHealthy, msg.Status)
	assert.Equal(t, "test", msg.Version)
	assert.Equal(t, 2, msg.DevicesManaged)
	assert.Equal(t, []AccountHealth{{ID: "acc-0", Family: "estudna2", Authenticated: true, Devices: 2}}, msg.Accounts)
	require.NotNil(t, msg.Statistics)
	assert.Equal(t, uint64(1), msg.Statistics.Polls)

	assert.Len(t, reg.Entries(), 1)
	assert.Equal(t, msg.Status, b.Health().Status)
}

func TestHealthReporter_PeriodicAndStop(t *testing.T) {
	mq := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "estudna-test",
		Interval:  10 * time.Millisecond,
		Publisher: mq,
	})

	h.Start(t.Context())
	require.Eventually(t, func() bool {
		return len(mq.PublishedTo(topics.Health())) >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()

	pubs := mq.PublishedTo(topics.Health())
	var last HealthMessage
	require.NoError(t, json.Unmarshal(pubs[len(pubs)-1].Payload, &last))
	assert.Equal(t, HealthStopping, last.Status)
}

func TestHealthReporter_NoPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "x"})
	assert.NoError(t, h.PublishStarting())
	assert.Equal(t, defaultHealthInterval, h.interval)
}
