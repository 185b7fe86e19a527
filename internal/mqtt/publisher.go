// Package mqtt publishes line states to a home automation broker.
//
// Topics, per tracked line:
//
//	<prefix>/<stop_id>/<line_id>/state         next arrival (RFC 3339) or error code
//	<prefix>/<stop_id>/<line_id>/attributes    JSON attributes
//	<prefix>/<stop_id>/<line_id>/availability  "online" or "offline"
//
// When a discovery prefix is configured, a Home Assistant sensor config is
// retained under <discovery_prefix>/sensor/<unique_id>/config.
package mqtt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	publishTimeout = 5 * time.Second
)

// Config contains broker settings
type Config struct {
	Broker          string
	Port            int
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
	QoS             byte
}

// publishClient is the subset of the paho client used for publishing
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher mirrors snapshots to MQTT topics. It is safe for concurrent use.
type Publisher struct {
	client publishClient
	conn   paho.Client
	cfg    Config
	log    *logrus.Entry

	mu        sync.Mutex
	stops     map[int]models.TrackedStop
	announced map[string]bool
}

func newPublisher(client publishClient, cfg Config, log *logrus.Entry) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "tper"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		client:    client,
		cfg:       cfg,
		log:       log.WithField("component", "mqtt"),
		stops:     make(map[int]models.TrackedStop),
		announced: make(map[string]bool),
	}
}

// Connect establishes the broker connection and returns a publisher
func Connect(cfg Config, log *logrus.Entry) (*Publisher, error) {
	opts := paho.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts.AddBroker(brokerURL)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tper-go-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	p := newPublisher(nil, cfg, log)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	client := paho.NewClient(opts)
	p.client = client
	p.conn = client

	p.log.WithField("broker", brokerURL).Info("connecting to MQTT broker")
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", brokerURL, token.Error())
	}
	return p, nil
}

// Close marks every registered line offline and disconnects
func (p *Publisher) Close() {
	p.mu.Lock()
	stops := make([]models.TrackedStop, 0, len(p.stops))
	for _, stop := range p.stops {
		stops = append(stops, stop)
	}
	p.mu.Unlock()

	for _, stop := range stops {
		p.markOffline(stop)
	}
	if p.conn != nil {
		p.conn.Disconnect(250)
	}
}

// Register makes a stop's lines publishable
func (p *Publisher) Register(stop models.TrackedStop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops[stop.StopID] = stop
}

// Unregister marks a stop's lines offline and forgets the stop
func (p *Publisher) Unregister(stopID int) {
	p.mu.Lock()
	stop, ok := p.stops[stopID]
	delete(p.stops, stopID)
	p.mu.Unlock()

	if ok {
		p.markOffline(stop)
	}
}

// Publish sends every line of a snapshot. Snapshots of unregistered stops are ignored.
func (p *Publisher) Publish(snap models.Snapshot) {
	p.mu.Lock()
	stop, ok := p.stops[snap.StopID]
	p.mu.Unlock()
	if !ok {
		return
	}

	lineIDs := make([]string, 0, len(snap.Lines))
	for id := range snap.Lines {
		lineIDs = append(lineIDs, id)
	}
	sort.Strings(lineIDs)

	for _, lineID := range lineIDs {
		state := models.RenderLineState(stop, lineID, &snap, snap.UpdatedAt)
		p.announce(stop, lineID)
		p.publishState(state)
	}
}

func (p *Publisher) publishState(state models.LineState) {
	base := p.lineTopic(state.StopID, state.LineID)

	attrs, err := json.Marshal(state.Attributes)
	if err != nil {
		p.log.WithError(err).Warn("failed to encode attributes")
		attrs = []byte("{}")
	}

	availability := payloadOffline
	if state.Available {
		availability = payloadOnline
	}

	p.send(base+"/state", state.State)
	p.send(base+"/attributes", attrs)
	p.send(base+"/availability", availability)
}

func (p *Publisher) markOffline(stop models.TrackedStop) {
	for _, lineID := range stop.LineIDs {
		p.send(p.lineTopic(stop.StopID, lineID)+"/availability", payloadOffline)
	}
}

// discoveryConfig is a Home Assistant MQTT sensor definition
type discoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	AvailabilityTopic   string          `json:"availability_topic"`
	Icon                string          `json:"icon"`
	Device              discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model"`
}

func (p *Publisher) announce(stop models.TrackedStop, lineID string) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	uniqueID := models.UniqueID(stop.StopID, lineID)

	p.mu.Lock()
	done := p.announced[uniqueID]
	p.announced[uniqueID] = true
	p.mu.Unlock()
	if done {
		return
	}

	base := p.lineTopic(stop.StopID, lineID)
	payload, err := json.Marshal(discoveryConfig{
		Name:                fmt.Sprintf("Line %s at %s", stop.LineName(lineID), stopLabel(stop)),
		UniqueID:            uniqueID,
		StateTopic:          base + "/state",
		JSONAttributesTopic: base + "/attributes",
		AvailabilityTopic:   base + "/availability",
		Icon:                "mdi:bus-stop",
		Device: discoveryDevice{
			Identifiers: []string{fmt.Sprintf("tper_tracker_%d", stop.StopID)},
			Name:        fmt.Sprintf("TPER Tracker #%d", stop.StopID),
			Model:       "TPER Tracker",
		},
	})
	if err != nil {
		p.log.WithError(err).Warn("failed to encode discovery config")
		return
	}
	p.send(fmt.Sprintf("%s/sensor/%s/config", p.cfg.DiscoveryPrefix, uniqueID), payload)
}

func stopLabel(stop models.TrackedStop) string {
	if stop.StopName != "" {
		return stop.StopName
	}
	return fmt.Sprintf("stop %d", stop.StopID)
}

func (p *Publisher) lineTopic(stopID int, lineID string) string {
	return fmt.Sprintf("%s/%d/%s", p.cfg.TopicPrefix, stopID, lineID)
}

func (p *Publisher) send(topic string, payload interface{}) {
	token := p.client.Publish(topic, p.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.log.WithField("topic", topic).Warn("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.log.WithField("topic", topic).WithError(err).Warn("publish failed")
	}
}

// onConnect re-announces discovery configs after every (re)connection
func (p *Publisher) onConnect(client paho.Client) {
	p.mu.Lock()
	p.announced = make(map[string]bool)
	p.mu.Unlock()
	p.log.Info("connected to MQTT broker")
}

func (p *Publisher) onConnectionLost(client paho.Client, err error) {
	p.log.WithError(err).Warn("MQTT connection lost, will attempt to reconnect")
}
