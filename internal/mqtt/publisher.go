// Package mqtt projects vendor state into Home Assistant over MQTT
// discovery. It defines the Publisher interface and includes both a
// StubPublisher (no-op) and a full HAPublisher that connects to a broker,
// publishes auto-discovery configs for intercoms, relays, call sessions and
// meters, relays unlock commands back to the vendor API, and forwards state
// updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pik2mqtt/pik2mqtt/internal/config"
	"github.com/pik2mqtt/pik2mqtt/internal/pik"
	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

const commandTimeout = 10 * time.Second

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &StubPublisher{log: log}
}

func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// Commander sends commands to the vendor API without importing the client
// package's concrete type.
type Commander interface {
	UnlockIntercom(ctx context.Context, intercomID int64, mode string) error
	UnlockRelay(ctx context.Context, relayID int64) error
	Snapshot(ctx context.Context, snapshotURL string) ([]byte, error)
}

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes
// to unlock command topics, and forwards state updates from the EventBus.
type HAPublisher struct {
	cfg       config.MQTTConfig
	commander Commander
	store     state.Reader
	bus       *state.EventBus
	log       *slog.Logger

	client pahomqtt.Client

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg config.MQTTConfig, commander Commander, store state.Reader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &HAPublisher{
		cfg:       cfg,
		commander: commander,
		store:     store,
		bus:       bus,
		log:       log,
		stopC:     make(chan struct{}),
	}
}

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("status"), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	// HA birth topic for re-discovery after a Home Assistant restart.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// deviceInfo returns the HA device block for one intercom.
func (p *HAPublisher) deviceInfo(identifier, name string) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{identifier},
		"name":         name,
		"manufacturer": "PIK Group",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/pik2mqtt_%s/config", component, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	snap := p.store.Snapshot()

	intercomAvail := avail(p.topic("intercoms/status"))

	for _, intercom := range snap.Devices.Intercoms {
		id := strconv.FormatInt(intercom.ID, 10)
		dev := p.deviceInfo("pik2mqtt_icm_"+id, intercom.DisplayName())

		p.publishDiscoveryConfig("button", "icm_"+id+"_unlock", map[string]interface{}{
			"name":          intercom.DisplayName() + " Unlock",
			"unique_id":     "pik2mqtt_icm_" + id + "_unlock",
			"command_topic": p.topic("icm/" + id + "/unlock/set"),
			"payload_press": "PRESS",
			"device":        dev,
			"availability":  intercomAvail,
		})

		if intercom.HasCamera() {
			p.publishDiscoveryConfig("camera", "icm_"+id+"_snapshot", map[string]interface{}{
				"name":         intercom.DisplayName() + " Snapshot",
				"unique_id":    "pik2mqtt_icm_" + id + "_snapshot",
				"topic":        p.topic("icm/" + id + "/snapshot"),
				"device":       dev,
				"availability": intercomAvail,
			})
		}
	}

	for _, intercom := range snap.Devices.IotIntercoms {
		if intercom.PhotoURL != "" {
			iotID := strconv.FormatInt(intercom.ID, 10)
			p.publishDiscoveryConfig("camera", "iot_"+iotID+"_snapshot", map[string]interface{}{
				"name":         intercom.Name + " Snapshot",
				"unique_id":    "pik2mqtt_iot_" + iotID + "_snapshot",
				"topic":        p.topic("iot/" + iotID + "/snapshot"),
				"device":       p.deviceInfo("pik2mqtt_iot_"+iotID, intercom.Name),
				"availability": intercomAvail,
			})
		}

		for _, relay := range intercom.Relays {
			if relay.Hidden {
				continue
			}
			id := strconv.FormatInt(relay.ID, 10)
			dev := p.deviceInfo("pik2mqtt_relay_"+id, relay.FriendlyName())
			p.publishDiscoveryConfig("button", "relay_"+id+"_unlock", map[string]interface{}{
				"name":          relay.FriendlyName() + " Unlock",
				"unique_id":     "pik2mqtt_relay_" + id + "_unlock",
				"command_topic": p.topic("relay/" + id + "/unlock/set"),
				"payload_press": "PRESS",
				"device":        dev,
				"availability":  intercomAvail,
			})

			if relay.PhotoURL != "" {
				p.publishDiscoveryConfig("camera", "relay_"+id+"_snapshot", map[string]interface{}{
					"name":         relay.FriendlyName() + " Snapshot",
					"unique_id":    "pik2mqtt_relay_" + id + "_snapshot",
					"topic":        p.topic("relay/" + id + "/snapshot"),
					"device":       dev,
					"availability": intercomAvail,
				})
			}
		}
	}

	p.publishCallDiscovery()
	p.publishMeterDiscovery(snap.Meters)
}

func (p *HAPublisher) publishCallDiscovery() {
	dev := p.deviceInfo("pik2mqtt_last_call", "PIK Intercom Last Call")
	callAvail := avail(p.topic("call/status"))

	for _, sensor := range []struct {
		objectID string
		name     string
		field    string
	}{
		{"last_call_created", "Last Call Created", "created_at"},
		{"last_call_picked_up", "Last Call Picked Up", "picked_up_at"},
		{"last_call_finished", "Last Call Finished", "finished_at"},
	} {
		p.publishDiscoveryConfig("sensor", sensor.objectID, map[string]interface{}{
			"name":           sensor.name,
			"unique_id":      "pik2mqtt_" + sensor.objectID,
			"state_topic":    p.topic("call/state"),
			"value_template": fmt.Sprintf("{{ value_json.%s }}", sensor.field),
			"device_class":   "timestamp",
			"device":         dev,
			"availability":   callAvail,
		})
	}

	p.publishDiscoveryConfig("binary_sensor", "last_call_active", map[string]interface{}{
		"name":         "Last Call Active",
		"unique_id":    "pik2mqtt_last_call_active",
		"state_topic":  p.topic("call/active"),
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": callAvail,
	})

	p.publishDiscoveryConfig("button", "last_call_unlock", map[string]interface{}{
		"name":          "Last Call Unlock",
		"unique_id":     "pik2mqtt_last_call_unlock",
		"command_topic": p.topic("call/unlock/set"),
		"payload_press": "PRESS",
		"device":        dev,
		"availability":  callAvail,
	})

	p.publishDiscoveryConfig("camera", "last_call_snapshot", map[string]interface{}{
		"name":         "Last Call Snapshot",
		"unique_id":    "pik2mqtt_last_call_snapshot",
		"topic":        p.topic("call/snapshot"),
		"device":       dev,
		"availability": callAvail,
	})
}

func (p *HAPublisher) publishMeterDiscovery(meters []pik.Meter) {
	meterAvail := avail(p.topic("meters/status"))
	for _, meter := range meters {
		id := strconv.FormatInt(meter.ID, 10)
		dev := p.deviceInfo("pik2mqtt_meter_"+id, meterName(meter))

		for _, sensor := range []struct {
			suffix string
			name   string
			field  string
		}{
			{"total", "Total", "total"},
			{"month", "This Month", "month"},
		} {
			payload := map[string]interface{}{
				"name":           meterName(meter) + " " + sensor.name,
				"unique_id":      "pik2mqtt_meter_" + id + "_" + sensor.suffix,
				"state_topic":    p.topic("meters/" + id + "/state"),
				"value_template": fmt.Sprintf("{{ value_json.%s }}", sensor.field),
				"state_class":    "total_increasing",
				"device":         dev,
				"availability":   meterAvail,
			}
			if unit := meterUnit(meter.Kind); unit != "" {
				payload["unit_of_measurement"] = unit
			}
			if class := meterDeviceClass(meter.Kind); class != "" {
				payload["device_class"] = class
			}
			p.publishDiscoveryConfig("sensor", "meter_"+id+"_"+sensor.suffix, payload)
		}
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("icm/+/unlock/set"):   p.handleIntercomUnlock,
		p.topic("relay/+/unlock/set"): p.handleRelayUnlock,
		p.topic("call/unlock/set"):    p.handleCallUnlock,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

func (p *HAPublisher) handleIntercomUnlock(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, err := topicObjectID(msg.Topic())
	if err != nil {
		p.log.Error("invalid unlock topic", "topic", msg.Topic(), "error", err)
		return
	}
	p.log.Info("MQTT command: unlock intercom", "intercom_id", id)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.commander.UnlockIntercom(ctx, id, p.intercomMode(id)); err != nil {
		p.log.Error("failed to unlock intercom", "intercom_id", id, "error", err)
	}
}

func (p *HAPublisher) handleRelayUnlock(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, err := topicObjectID(msg.Topic())
	if err != nil {
		p.log.Error("invalid unlock topic", "topic", msg.Topic(), "error", err)
		return
	}
	p.log.Info("MQTT command: unlock relay", "relay_id", id)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.commander.UnlockRelay(ctx, id); err != nil {
		p.log.Error("failed to unlock relay", "relay_id", id, "error", err)
	}
}

func (p *HAPublisher) handleCallUnlock(_ pahomqtt.Client, _ pahomqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	p.unlockLastCall(ctx)
}

// unlockLastCall opens whatever the most recent call session rang:
// its target relays when the session names them, otherwise the intercom.
func (p *HAPublisher) unlockLastCall(ctx context.Context) {
	session := p.store.Snapshot().LastCall.Session
	if session == nil {
		p.log.Warn("MQTT command: unlock last call, but no call session is known")
		return
	}
	p.log.Info("MQTT command: unlock last call", "session_id", session.ID)

	if len(session.TargetRelayIDs) > 0 {
		for _, relayID := range session.TargetRelayIDs {
			if err := p.commander.UnlockRelay(ctx, relayID); err != nil {
				p.log.Error("failed to unlock call relay", "relay_id", relayID, "error", err)
			}
		}
		return
	}

	if err := p.commander.UnlockIntercom(ctx, session.IntercomID, p.intercomMode(session.IntercomID)); err != nil {
		p.log.Error("failed to unlock call intercom", "intercom_id", session.IntercomID, "error", err)
	}
}

// intercomMode looks up the door mode the unlock endpoint expects.
func (p *HAPublisher) intercomMode(intercomID int64) string {
	for _, intercom := range p.store.Snapshot().Devices.Intercoms {
		if intercom.ID == intercomID {
			return intercom.Mode
		}
	}
	return "1"
}

// publishFullState publishes the complete state snapshot.
func (p *HAPublisher) publishFullState() {
	snap := p.store.Snapshot()
	p.publishDevicesState(snap)
	p.publishCallState(snap)
	p.publishMetersState(snap)
}

func (p *HAPublisher) publishDevicesState(snap state.State) {
	p.publishAvailability("intercoms/status", snap.Status[state.CategoryIntercoms].Available)
	if !snap.Status[state.CategoryIntercoms].Available {
		return
	}

	for _, intercom := range snap.Devices.Intercoms {
		if intercom.PhotoURL == "" {
			continue
		}
		p.publishDeviceSnapshot("icm/"+strconv.FormatInt(intercom.ID, 10)+"/snapshot", intercom.PhotoURL)
	}

	for _, intercom := range snap.Devices.IotIntercoms {
		if intercom.PhotoURL != "" {
			p.publishDeviceSnapshot("iot/"+strconv.FormatInt(intercom.ID, 10)+"/snapshot", intercom.PhotoURL)
		}
		for _, relay := range intercom.Relays {
			if relay.Hidden || relay.PhotoURL == "" {
				continue
			}
			p.publishDeviceSnapshot("relay/"+strconv.FormatInt(relay.ID, 10)+"/snapshot", relay.PhotoURL)
		}
	}
}

// publishDeviceSnapshot republishes one camera image.
// Fetch failures only cost this one frame.
func (p *HAPublisher) publishDeviceSnapshot(topicSuffix, photoURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	image, err := p.commander.Snapshot(ctx, photoURL)
	if err != nil {
		p.log.Warn("snapshot fetch failed", "topic", topicSuffix, "error", err)
		return
	}
	p.publishBytes(p.topic(topicSuffix), image, true)
}

func (p *HAPublisher) publishCallState(snap state.State) {
	p.publishAvailability("call/status", snap.Status[state.CategoryLastCall].Available)

	session := snap.LastCall.Session
	if session == nil {
		return
	}

	payload := map[string]interface{}{
		"id":            session.ID,
		"intercom_id":   session.IntercomID,
		"intercom_name": session.IntercomName,
		"property_name": session.PropertyName,
		"created_at":    session.CreatedAt.Format(time.RFC3339),
	}
	if session.PickedUpAt != nil {
		payload["picked_up_at"] = session.PickedUpAt.Format(time.RFC3339)
	}
	if session.FinishedAt != nil {
		payload["finished_at"] = session.FinishedAt.Format(time.RFC3339)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal call state", "error", err)
		return
	}
	p.publish(p.topic("call/state"), string(data), true)
	p.publish(p.topic("call/active"), boolToOnOff(session.Active()), true)
	if len(snap.LastCall.Snapshot) > 0 {
		p.publishBytes(p.topic("call/snapshot"), snap.LastCall.Snapshot, true)
	}
}

func (p *HAPublisher) publishMetersState(snap state.State) {
	p.publishAvailability("meters/status", snap.Status[state.CategoryMeters].Available)
	if !snap.Status[state.CategoryMeters].Available {
		return
	}

	for _, meter := range snap.Meters {
		payload := map[string]interface{}{
			"total":     meter.CurrentNumeric,
			"month":     meter.MonthNumeric,
			"total_raw": meter.CurrentValue,
			"month_raw": meter.MonthValue,
			"kind":      string(meter.Kind),
			"serial":    meter.Serial,
			"pipe":      meter.PipeIdentifier,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			p.log.Error("failed to marshal meter state", "meter_id", meter.ID, "error", err)
			continue
		}
		p.publish(p.topic("meters/"+strconv.FormatInt(meter.ID, 10)+"/state"), string(data), true)
	}
}

func (p *HAPublisher) publishAvailability(suffix string, available bool) {
	payload := "offline"
	if available {
		payload = "online"
	}
	p.publish(p.topic(suffix), payload, true)
}

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	snap := p.store.Snapshot()

	switch evt.Type {
	case state.EventDevicesUpdate:
		// New intercoms or relays may have appeared.
		p.publishDiscovery()
		p.publishDevicesState(snap)
	case state.EventLastCallUpdate:
		p.publishCallState(snap)
	case state.EventMetersUpdate:
		p.publishMeterDiscovery(snap.Meters)
		p.publishMetersState(snap)
	case state.EventUnavailable:
		switch evt.Category {
		case state.CategoryIntercoms:
			p.publishAvailability("intercoms/status", false)
		case state.CategoryLastCall:
			p.publishAvailability("call/status", false)
		case state.CategoryMeters:
			p.publishAvailability("meters/status", false)
		}
	}
}

// topic builds a full topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	p.publishBytes(topic, []byte(payload), retained)
}

func (p *HAPublisher) publishBytes(topic string, payload []byte, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func avail(topic string) map[string]interface{} {
	return map[string]interface{}{"topic": topic}
}

// topicObjectID extracts the numeric object id from a command topic like
// {prefix}/icm/123/unlock/set.
func topicObjectID(topic string) (int64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return 0, fmt.Errorf("short topic %q", topic)
	}
	return strconv.ParseInt(parts[len(parts)-3], 10, 64)
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func meterName(meter pik.Meter) string {
	var kind string
	switch meter.Kind {
	case pik.MeterColdWater:
		kind = "Cold Water"
	case pik.MeterHotWater:
		kind = "Hot Water"
	case pik.MeterElectricity:
		kind = "Electricity"
	case pik.MeterHeat:
		kind = "Heat"
	default:
		kind = string(meter.Kind)
	}
	if meter.Serial != "" {
		return fmt.Sprintf("%s Meter %s", kind, meter.Serial)
	}
	return kind + " Meter"
}

func meterUnit(kind pik.MeterKind) string {
	switch kind {
	case pik.MeterColdWater, pik.MeterHotWater:
		return "m³"
	case pik.MeterElectricity:
		return "kWh"
	case pik.MeterHeat:
		return "Gcal"
	default:
		return ""
	}
}

func meterDeviceClass(kind pik.MeterKind) string {
	switch kind {
	case pik.MeterColdWater, pik.MeterHotWater:
		return "water"
	case pik.MeterElectricity:
		return "energy"
	default:
		return ""
	}
}
