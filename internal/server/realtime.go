package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
)

const (
	RealtimeEventCommitCreated = "commit-created"
	realtimeEventReady         = "ready"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "openbox-backend"
)

// RealtimeMessage is delivered to subscribers of one project.
type RealtimeMessage struct {
	ProjectID string
	EventType string
	CommitID  string
	Sequence  int64
	AuthorID  string
	Title     string
	Paths     []string
	Timestamp time.Time
}

// RealtimeDispatcher fans commit notifications out to per-project subscribers.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for projectID until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan RealtimeMessage, func()) {
	if projectID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(projectID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProjectID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ProjectID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// CommitCreated publishes a commit notification to the project's subscribers.
func (d *RealtimeDispatcher) CommitCreated(event projects.CommitEvent) {
	paths := make([]string, 0, len(event.Commit.Files))
	for _, change := range event.Commit.Files {
		paths = append(paths, change.FilePath)
	}
	d.Publish(RealtimeMessage{
		ProjectID: event.ProjectID,
		EventType: RealtimeEventCommitCreated,
		CommitID:  event.Commit.CommitID,
		Sequence:  event.Commit.Sequence,
		AuthorID:  event.Commit.AuthorID,
		Title:     event.Commit.Title,
		Paths:     paths,
		Timestamp: time.Unix(event.Commit.CreatedAtSeconds, 0).UTC(),
	})
}

func (d *RealtimeDispatcher) subscriberCount(projectID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[projectID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(projectID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[projectID]; !ok {
		d.subscribers[projectID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[projectID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(projectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[projectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, projectID)
		}
	}
	d.mu.Unlock()
}
