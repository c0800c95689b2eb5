// Package progress provides the pub/sub hub that deployment operations
// publish structured progress and init-container log lines through, keyed by
// session id. Health summaries fan out over the same hub on environment and
// deployment topics.
package progress

import (
	"errors"
	"sync"
	"time"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/store"
)

// Phase identifies where in an operation a progress event was emitted.
type Phase string

const (
	PhasePreparing              Phase = "Preparing"
	PhasePullingImages          Phase = "PullingImages"
	PhaseInitializingContainers Phase = "InitializingContainers"
	PhaseStartingServices       Phase = "StartingServices"
	PhaseProductDeploy          Phase = "ProductDeploy"
	PhaseProductRemoval         Phase = "ProductRemoval"
	PhaseFinalizing             Phase = "Finalizing"
)

// Event is one structured progress update for a session. PercentComplete is
// clamped by the hub so a subscriber never observes it decreasing.
type Event struct {
	SessionID               string    `json:"session_id"`
	Phase                   Phase     `json:"phase"`
	Message                 string    `json:"message"`
	PercentComplete         int       `json:"percent_complete"`
	CurrentService          string    `json:"current_service,omitempty"`
	TotalServices           int       `json:"total_services,omitempty"`
	CompletedServices       int       `json:"completed_services,omitempty"`
	TotalInitContainers     int       `json:"total_init_containers,omitempty"`
	CompletedInitContainers int       `json:"completed_init_containers,omitempty"`
	IsComplete              bool      `json:"is_complete"`
	IsError                 bool      `json:"is_error"`
	ErrorMessage            string    `json:"error_message,omitempty"`
	Timestamp               time.Time `json:"timestamp"`
}

// LogEntry is one init-container log line attributed to a session.
type LogEntry struct {
	SessionID     string    `json:"session_id"`
	ContainerName string    `json:"container_name"`
	LogLine       string    `json:"log_line"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrSlowConsumer reports that the hub disconnected a subscriber whose event
// queue stayed full while a progress event had to be delivered.
var ErrSlowConsumer = errors.New("progress: subscriber too slow, disconnected")

const (
	eventBufferSize = 64
	logBufferSize   = 256
)

// Subscription is one session-scoped subscriber. Select over Events and Logs
// until both are closed, then check Err to distinguish a slow-consumer
// disconnect from a normal end of stream.
type Subscription struct {
	Events <-chan Event
	Logs   <-chan LogEntry

	hub       *Hub
	sub       *subscriber
	sessionID string
	id        uint64
}

// Err reports why the subscription's channels were closed. It returns
// ErrSlowConsumer when the hub dropped this subscriber, nil otherwise.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.sub.err
}

// Cancel unsubscribes and closes the subscription's channels.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.sessionID, s.id, nil)
}

type subscriber struct {
	events chan Event
	logs   chan LogEntry
	err    error
}

type session struct {
	subs       map[uint64]*subscriber
	nextID     uint64
	last       *Event
	maxPercent int
	terminalAt time.Time // zero until the terminal event is published
}

// Hub is the shared progress bus. Publishers never block: a subscriber whose
// event queue is full is disconnected, and full log queues drop their oldest
// line. Thread-safe for concurrent publishers and subscribers.
type Hub struct {
	retention time.Duration
	clock     clock.Clock

	mu         sync.Mutex
	sessions   map[string]*session
	health     map[string]map[uint64]chan store.HealthSample
	nextHealth uint64
}

// NewHub creates a Hub. Terminal events stay observable to late subscribers
// for the retention period.
func NewHub(retention time.Duration, clk clock.Clock) *Hub {
	return &Hub{
		retention: retention,
		clock:     clk,
		sessions:  make(map[string]*session),
		health:    make(map[string]map[uint64]chan store.HealthSample),
	}
}

// Subscribe registers for a session's progress stream. A late subscriber
// first receives the most recent retained event, then every subsequent event
// with no gaps.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &session{subs: make(map[uint64]*subscriber)}
		h.sessions[sessionID] = sess
	}

	sub := &subscriber{
		events: make(chan Event, eventBufferSize),
		logs:   make(chan LogEntry, logBufferSize),
	}
	if sess.last != nil {
		sub.events <- *sess.last
	}
	id := sess.nextID
	sess.nextID++
	sess.subs[id] = sub

	return &Subscription{
		Events:    sub.events,
		Logs:      sub.logs,
		hub:       h,
		sub:       sub,
		sessionID: sessionID,
		id:        id,
	}
}

// PublishProgress delivers an event to every subscriber of its session and
// retains it for late subscribers. PercentComplete is raised to the session's
// high-water mark if the caller hands in a lower value.
func (h *Hub) PublishProgress(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	sess, ok := h.sessions[evt.SessionID]
	if !ok {
		sess = &session{subs: make(map[uint64]*subscriber)}
		h.sessions[evt.SessionID] = sess
	}

	if evt.PercentComplete < sess.maxPercent {
		evt.PercentComplete = sess.maxPercent
	} else {
		sess.maxPercent = evt.PercentComplete
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.clock.Now()
	}

	retained := evt
	sess.last = &retained
	if evt.IsComplete {
		sess.terminalAt = h.clock.Now()
	}

	for id, sub := range sess.subs {
		select {
		case sub.events <- evt:
		default:
			// Progress events are never dropped; drop the subscriber instead.
			h.unsubscribeLocked(sess, evt.SessionID, id, ErrSlowConsumer)
		}
	}
}

// PublishLog delivers a log line to every subscriber of its session. A full
// log queue drops its oldest line to make room.
func (h *Hub) PublishLog(entry LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[entry.SessionID]
	if !ok {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = h.clock.Now()
	}

	for _, sub := range sess.subs {
		for {
			select {
			case sub.logs <- entry:
			default:
				select {
				case <-sub.logs:
				default:
				}
				continue
			}
			break
		}
	}
}

// EnvTopic names the health topic carrying all of an environment's samples.
func EnvTopic(envID string) string { return "env:" + envID }

// DeploymentTopic names the health topic for a single deployment.
func DeploymentTopic(deploymentID string) string { return "deployment:" + deploymentID }

// SubscribeHealth registers for health samples on a topic. The cancel
// function unsubscribes and closes the channel.
func (h *Hub) SubscribeHealth(topic string) (<-chan store.HealthSample, func()) {
	ch := make(chan store.HealthSample, eventBufferSize)

	h.mu.Lock()
	id := h.nextHealth
	h.nextHealth++
	subs, ok := h.health[topic]
	if !ok {
		subs = make(map[uint64]chan store.HealthSample)
		h.health[topic] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.health[topic]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.health, topic)
			}
		}
	}
	return ch, cancel
}

// PublishHealth fans a sample out to the environment topic and the
// deployment topic. Subscribers that have fallen behind miss the sample; the
// next reconcile cycle publishes a fresh one.
func (h *Hub) PublishHealth(envID string, sample store.HealthSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range []string{EnvTopic(envID), DeploymentTopic(sample.DeploymentID)} {
		for _, ch := range h.health[topic] {
			select {
			case ch <- sample:
			default:
			}
		}
	}
}

func (h *Hub) unsubscribe(sessionID string, id uint64, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[sessionID]; ok {
		h.unsubscribeLocked(sess, sessionID, id, reason)
	}
}

// unsubscribeLocked removes one subscriber, closes its channels, and drops
// the session once nothing observable remains.
func (h *Hub) unsubscribeLocked(sess *session, sessionID string, id uint64, reason error) {
	sub, ok := sess.subs[id]
	if !ok {
		return
	}
	delete(sess.subs, id)
	sub.err = reason
	close(sub.events)
	close(sub.logs)
	if len(sess.subs) == 0 && sess.last == nil {
		delete(h.sessions, sessionID)
	}
}

// purgeLocked drops sessions whose terminal event has aged past retention.
func (h *Hub) purgeLocked() {
	if h.retention <= 0 {
		return
	}
	now := h.clock.Now()
	for sessionID, sess := range h.sessions {
		if sess.terminalAt.IsZero() || now.Sub(sess.terminalAt) < h.retention {
			continue
		}
		for id := range sess.subs {
			h.unsubscribeLocked(sess, sessionID, id, nil)
		}
		delete(h.sessions, sessionID)
	}
}
