package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	refs   []ChannelRef
	alerts []Alert
	err    error
}

func (r *recordingDeliverer) Deliver(_ context.Context, ref ChannelRef, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	r.alerts = append(r.alerts, alert)
	return r.err
}

func TestNew(t *testing.T) {
	at := time.Now()
	a := New("prod", "Production", StateConnected, StateDisconnected, at)
	b := New("prod", "Production", StateConnected, StateDisconnected, at)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, KindTransition, a.Kind)
	assert.Equal(t, at, a.Timestamp)
}

func TestAlert_Message(t *testing.T) {
	tests := []struct {
		alert Alert
		want  string
	}{
		{Alert{ServerTag: "prod", FromState: StateConnected, ToState: StateDisconnected}, "Server prod lost its RCON connection"},
		{Alert{ServerTag: "prod", ServerName: "Main", FromState: StateDisconnected, ToState: StateConnected}, "Server Main is back online"},
		{Alert{ServerTag: "prod", FromState: StateUnknown, ToState: StateConnected}, "Server prod is online"},
		{Alert{ServerTag: "prod", Kind: KindStatus, FromState: StateConnected, ToState: StateConnected}, "Status: server prod is connected"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.alert.Message())
	}
}

func TestStaticResolver_Fallback(t *testing.T) {
	r := NewStaticResolver("", nil)

	_, ok := r.Resolve("prod")
	assert.False(t, ok, "nothing configured")

	r.SetGlobalChannel("ops")
	ref, ok := r.Resolve("prod")
	require.True(t, ok)
	assert.Equal(t, ChannelRef("ops"), ref)

	r.SetServerChannel("prod", "prod-alerts")
	ref, _ = r.Resolve("prod")
	assert.Equal(t, ChannelRef("prod-alerts"), ref)
	ref, _ = r.Resolve("test")
	assert.Equal(t, ChannelRef("ops"), ref, "other servers still use the global channel")

	r.SetServerChannel("prod", "")
	ref, _ = r.Resolve("prod")
	assert.Equal(t, ChannelRef("ops"), ref)
}

func TestNewResolverFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Alerts.GlobalChannel = "global"
	cfg.Servers = []*config.ServerConfig{
		{Tag: "prod", Host: "h", Port: 1, AlertChannel: "prod-ch"},
		{Tag: "test", Host: "h", Port: 2},
	}
	d := &recordingDeliverer{}
	r := NewResolverFromConfig(cfg, d)

	ref, _ := r.Resolve("prod")
	assert.Equal(t, ChannelRef("prod-ch"), ref)
	ref, _ = r.Resolve("test")
	assert.Equal(t, ChannelRef("global"), ref)

	require.NoError(t, r.Deliver(context.Background(), "prod-ch", Alert{ServerTag: "prod"}))
	assert.Equal(t, []ChannelRef{"prod-ch"}, d.refs)
}

func TestStaticResolver_NoDeliverer(t *testing.T) {
	r := NewStaticResolver("ops", nil)
	assert.ErrorIs(t, r.Deliver(context.Background(), "ops", Alert{}), ErrUnknownChannel)
}

func TestWebhookDeliverer(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookDeliverer(map[string]string{"ops": srv.URL})
	assert.True(t, w.Has("ops"))

	alert := New("prod", "", StateConnected, StateDisconnected, time.Now())
	require.NoError(t, w.Deliver(context.Background(), "ops", alert))
	assert.Equal(t, "Server prod lost its RCON connection", got.Text)
	assert.Equal(t, ChannelRef("ops"), got.Channel)
	assert.Equal(t, alert.ID, got.Alert.ID)
	assert.Equal(t, StateDisconnected, got.Alert.ToState)
}

func TestWebhookDeliverer_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookDeliverer(map[string]string{"ops": srv.URL})

	err := w.Deliver(context.Background(), "ops", Alert{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "502")

	err = w.Deliver(context.Background(), "missing", Alert{})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	w.SetURL("dead", "http://127.0.0.1:1")
	err = w.Deliver(context.Background(), "dead", Alert{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestBusDeliverer(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(events.AlertRaised)

	d := NewBusDeliverer(bus)
	alert := New("prod", "", StateConnected, StateDisconnected, time.Now())
	require.NoError(t, d.Deliver(context.Background(), "ops", alert))

	select {
	case ev := <-ch:
		assert.Equal(t, "prod", ev.ServerName)
		assert.Equal(t, "connected", ev.OldState)
		assert.Equal(t, "disconnected", ev.NewState)
		data := ev.Data.(map[string]interface{})
		assert.Equal(t, alert.ID, data["id"])
		assert.Equal(t, "ops", data["channel"])
	case <-time.After(time.Second):
		t.Fatal("no alert_raised event")
	}

	bus.Close()
	assert.ErrorIs(t, d.Deliver(context.Background(), "ops", alert), ErrDeliveryFailed)
}

func TestMultiDeliverer(t *testing.T) {
	ok := &recordingDeliverer{}
	bad := &recordingDeliverer{err: errors.New("boom")}

	m := MultiDeliverer{bad, nil, ok}
	err := m.Deliver(context.Background(), "ops", Alert{ServerTag: "prod"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.alerts, 1, "one failing target does not stop the others")

	assert.NoError(t, MultiDeliverer{ok}.Deliver(context.Background(), "ops", Alert{}))
}

func TestFromConfig(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	d := FromConfig(map[string]string{"ops": "http://example.invalid"}, true, bus).(MultiDeliverer)
	require.Len(t, d, 2)
	assert.IsType(t, &WebhookDeliverer{}, d[0])
	assert.IsType(t, &BusDeliverer{}, d[1])

	assert.Empty(t, FromConfig(nil, false, bus))
}
