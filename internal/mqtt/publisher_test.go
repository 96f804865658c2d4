package mqtt

import (
	"context"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pik2mqtt/pik2mqtt/internal/config"
	"github.com/pik2mqtt/pik2mqtt/internal/pik"
	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

// fakeBroker records every publish by topic.
type fakeBroker struct {
	published map[string][]byte
}

func (f *fakeBroker) IsConnected() bool       { return true }
func (f *fakeBroker) IsConnectionOpen() bool  { return true }
func (f *fakeBroker) Connect() pahomqtt.Token { return fakeToken{} }
func (f *fakeBroker) Disconnect(uint)         {}

func (f *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	if f.published == nil {
		f.published = make(map[string][]byte)
	}
	switch v := payload.(type) {
	case []byte:
		f.published[topic] = v
	case string:
		f.published[topic] = []byte(v)
	}
	return fakeToken{}
}

func (f *fakeBroker) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}

func (f *fakeBroker) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}

func (f *fakeBroker) Unsubscribe(...string) pahomqtt.Token        { return fakeToken{} }
func (f *fakeBroker) AddRoute(string, pahomqtt.MessageHandler)    {}
func (f *fakeBroker) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

type fakeCommander struct {
	unlockedIntercoms map[int64]string
	unlockedRelays    []int64
}

func (f *fakeCommander) UnlockIntercom(_ context.Context, intercomID int64, mode string) error {
	if f.unlockedIntercoms == nil {
		f.unlockedIntercoms = make(map[int64]string)
	}
	f.unlockedIntercoms[intercomID] = mode
	return nil
}

func (f *fakeCommander) UnlockRelay(_ context.Context, relayID int64) error {
	f.unlockedRelays = append(f.unlockedRelays, relayID)
	return nil
}

func (f *fakeCommander) Snapshot(_ context.Context, _ string) ([]byte, error) {
	return []byte("jpeg"), nil
}

func newTestPublisher(store *state.Store) (*HAPublisher, *fakeCommander) {
	commander := &fakeCommander{}
	bus := state.NewEventBus(nil)
	pub := NewHAPublisher(config.MQTTConfig{TopicPrefix: "pik2mqtt"}, commander, store, bus, nil)
	return pub, commander
}

func TestUnlockLastCallPrefersTargetRelays(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	store.SetLastCall(&pik.CallSession{
		ID:             500,
		IntercomID:     1,
		CreatedAt:      time.Now(),
		TargetRelayIDs: []int64{200, 201},
	}, nil)

	pub, commander := newTestPublisher(store)
	pub.unlockLastCall(context.Background())

	if len(commander.unlockedRelays) != 2 || commander.unlockedRelays[0] != 200 || commander.unlockedRelays[1] != 201 {
		t.Fatalf("unexpected relay unlocks: %+v", commander.unlockedRelays)
	}
	if len(commander.unlockedIntercoms) != 0 {
		t.Fatalf("intercom should not be unlocked when relays are targeted")
	}
}

func TestUnlockLastCallFallsBackToIntercom(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	store.SetDevices(state.Devices{Intercoms: []pik.Intercom{{ID: 1, Mode: "2"}}})
	store.SetLastCall(&pik.CallSession{ID: 500, IntercomID: 1, CreatedAt: time.Now()}, nil)

	pub, commander := newTestPublisher(store)
	pub.unlockLastCall(context.Background())

	if mode, ok := commander.unlockedIntercoms[1]; !ok || mode != "2" {
		t.Fatalf("expected intercom 1 unlocked with its mode, got %+v", commander.unlockedIntercoms)
	}
	if len(commander.unlockedRelays) != 0 {
		t.Fatalf("no relays should be unlocked")
	}
}

func TestUnlockLastCallWithoutSessionIsNoop(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	pub, commander := newTestPublisher(store)

	pub.unlockLastCall(context.Background())

	if len(commander.unlockedRelays) != 0 || len(commander.unlockedIntercoms) != 0 {
		t.Fatalf("nothing should be unlocked without a session")
	}
}

func iotTestDevices() state.Devices {
	return state.Devices{
		Intercoms: []pik.Intercom{{ID: 1, Name: "Front Door", PhotoURL: "https://cdn/icm1.jpg"}},
		IotIntercoms: []pik.IotIntercom{{
			ID:       40,
			Name:     "Lobby",
			PhotoURL: "https://cdn/iot40.jpg",
			Relays: []pik.IotRelay{
				{ID: 200, Name: "Gate", PhotoURL: "https://cdn/relay200.jpg"},
				{ID: 201, Name: "Back Gate", Hidden: true, PhotoURL: "https://cdn/relay201.jpg"},
				{ID: 202, Name: "Barrier"},
			},
		}},
	}
}

func TestPublishDiscoveryAnnouncesIotCameras(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	store.SetDevices(iotTestDevices())

	pub, _ := newTestPublisher(store)
	broker := &fakeBroker{}
	pub.client = broker

	pub.publishDiscovery()

	for _, topic := range []string{
		"homeassistant/camera/pik2mqtt_icm_1_snapshot/config",
		"homeassistant/camera/pik2mqtt_iot_40_snapshot/config",
		"homeassistant/camera/pik2mqtt_relay_200_snapshot/config",
	} {
		if _, ok := broker.published[topic]; !ok {
			t.Fatalf("missing camera discovery on %s", topic)
		}
	}
	for _, topic := range []string{
		"homeassistant/camera/pik2mqtt_relay_201_snapshot/config",
		"homeassistant/camera/pik2mqtt_relay_202_snapshot/config",
	} {
		if _, ok := broker.published[topic]; ok {
			t.Fatalf("unexpected camera discovery on %s", topic)
		}
	}
}

func TestPublishDevicesStatePublishesIotSnapshots(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	store.SetDevices(iotTestDevices())

	pub, _ := newTestPublisher(store)
	broker := &fakeBroker{}
	pub.client = broker

	pub.publishDevicesState(store.Snapshot())

	for _, topic := range []string{
		"pik2mqtt/icm/1/snapshot",
		"pik2mqtt/iot/40/snapshot",
		"pik2mqtt/relay/200/snapshot",
	} {
		if got := broker.published[topic]; string(got) != "jpeg" {
			t.Fatalf("expected snapshot bytes on %s, got %q", topic, got)
		}
	}
	if _, ok := broker.published["pik2mqtt/relay/201/snapshot"]; ok {
		t.Fatalf("hidden relay must not get a snapshot")
	}
	if _, ok := broker.published["pik2mqtt/relay/202/snapshot"]; ok {
		t.Fatalf("relay without a photo source must not get a snapshot")
	}
}

func TestTopicObjectID(t *testing.T) {
	id, err := topicObjectID("pik2mqtt/icm/123/unlock/set")
	if err != nil {
		t.Fatalf("topicObjectID: %v", err)
	}
	if id != 123 {
		t.Fatalf("unexpected id: %d", id)
	}

	if _, err := topicObjectID("set"); err == nil {
		t.Fatalf("expected error for short topic")
	}
	if _, err := topicObjectID("pik2mqtt/icm/abc/unlock/set"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestMeterNaming(t *testing.T) {
	meter := pik.Meter{ID: 300, Serial: "M-300", Kind: pik.MeterColdWater}
	if got := meterName(meter); got != "Cold Water Meter M-300" {
		t.Fatalf("unexpected meter name: %s", got)
	}
	if got := meterUnit(pik.MeterElectricity); got != "kWh" {
		t.Fatalf("unexpected unit: %s", got)
	}
	if got := meterUnit(pik.MeterKind("gas")); got != "" {
		t.Fatalf("unknown kinds have no unit, got %s", got)
	}
}
