package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// shutdownTimeout bounds the graceful stop of the query server.
const shutdownTimeout = 10 * time.Second

// Relay wires the full pipeline: sources deliver raw messages which are
// validated, stored, evaluated against the alarm and fanned out to
// subscribers. Messages are handled one at a time in arrival order.
type Relay struct {
	config      *Config
	validator   *Validator
	store       *StateStore
	alarm       *Alarm
	broadcaster *Broadcaster
	metrics     *Metrics
	sources     []Source
	server      *Server
	logger      *zap.SugaredLogger
}

// sourceMessage pairs a raw message with the source it arrived from
type sourceMessage struct {
	source  string
	message Message
}

// NewRelay constructs a new Relay instance from the configuration
func NewRelay(config *Config, logger *zap.SugaredLogger) *Relay {
	metrics := NewMetrics()
	store := NewStateStore(config.History.Capacity)
	alarm := NewAlarm(config.Alert.Threshold)
	broadcaster := NewBroadcaster(store, alarm, metrics, logger)

	var sources []Source
	if config.AMQP != nil && config.AMQP.DSN != "" {
		sources = append(sources, NewAMQPSource(*config.AMQP, config.Topics, logger))
	}
	if config.MQTT != nil && config.MQTT.Broker != "" {
		sources = append(sources, NewMQTTSource(*config.MQTT, config.Topics, logger))
	}

	server := NewServer(config.HTTP, store, alarm, broadcaster, metrics, config.History.QueryLimit, logger)

	return &Relay{
		config:      config,
		validator:   NewValidator(),
		store:       store,
		alarm:       alarm,
		broadcaster: broadcaster,
		metrics:     metrics,
		sources:     sources,
		server:      server,
		logger:      logger,
	}
}

// Run subscribes every source, starts the query server and processes
// messages until the context is canceled
func (r *Relay) Run(ctx context.Context) error {
	if len(r.sources) == 0 {
		return errors.New("Relay: no message sources configured")
	}

	merged := make(chan sourceMessage)
	for _, source := range r.sources {
		messages, err := source.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("Relay: %v", err)
		}
		defer source.Shutdown()

		go pump(ctx, source.Name(), messages, merged)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- r.server.Start()
	}()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case err := <-serverErr:
			if err != nil {
				return err
			}
		case sm := <-merged:
			r.handleMessage(sm.source, sm.message)
		}
	}
}

// handleMessage runs one raw message through the pipeline. Invalid messages
// are discarded without touching the stored state.
func (r *Relay) handleMessage(source string, msg Message) {
	r.metrics.MessagesReceived.WithLabelValues(source).Inc()

	reading, err := r.validator.Parse(msg.Body)
	if err != nil {
		r.metrics.ReadingsRejected.WithLabelValues(rejectReason(err)).Inc()
		r.logger.Warnw("Relay: message discarded",
			"source", source, "topic", msg.Topic, "device", deviceHint(msg.Topic), "error", err)
		return
	}

	r.store.Update(reading)
	r.metrics.ReadingsAccepted.Inc()
	r.logger.Debugw("Relay: reading accepted",
		"source", source, "device", reading.Device, "temperature", reading.Temperature)

	r.broadcaster.Broadcast(UpdateEvent(reading))

	if event, triggered := r.alarm.Observe(reading); triggered {
		r.metrics.AlertsTriggered.Inc()
		r.logger.Infow("Relay: alarm triggered",
			"device", reading.Device, "temperature", reading.Temperature, "threshold", r.alarm.Threshold())
		r.broadcaster.Broadcast(event)
	}
}

// shutdown stops the query server and disconnects all subscribers
func (r *Relay) shutdown() error {
	r.logger.Info("Relay: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.server.Stop(ctx); err != nil {
		r.logger.Warnw("Relay: server stop failed", "error", err)
	}
	r.broadcaster.Shutdown()

	return nil
}

// pump forwards messages from one source into the merged pipeline channel
func pump(ctx context.Context, name string, messages <-chan Message, merged chan<- sourceMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			select {
			case merged <- sourceMessage{source: name, message: msg}:
			case <-ctx.Done():
				return
			}
		}
	}
}
