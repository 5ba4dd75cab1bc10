package eventlog

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of events retained per channel.
	DefaultCapacity = 1000
	// DefaultMaxAge is how long an event is retained per channel.
	DefaultMaxAge = 5 * time.Minute
)

// Config bounds retention. Whichever of Capacity and MaxAge retains fewer
// events wins. A zero MaxAge disables age based eviction.
type Config struct {
	Capacity int
	MaxAge   time.Duration
	// Now is the clock used for timestamps and age eviction.
	Now func() time.Time
}

// DefaultConfig returns the default retention policy.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		MaxAge:   DefaultMaxAge,
		Now:      time.Now,
	}
}

// Sink receives replayed events in order. Returning an error stops the replay.
type Sink func(Event) error

// Log is the event log of one session, partitioned by channel. Each
// partition has its own lock; the log-level lock only guards the partition table.
type Log struct {
	sessionID string
	cfg       Config

	mu         sync.RWMutex
	partitions map[string]*partition
	closed     bool
}

type partition struct {
	mu      sync.Mutex
	kind    Kind
	events  ring
	lastSeq uint64
	evicted uint64
}

// New creates an empty log for a session.
func New(sessionID string, cfg Config) *Log {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		sessionID:  sessionID,
		cfg:        cfg,
		partitions: make(map[string]*partition),
	}
}

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Create explicitly creates a channel partition. RequestScoped partitions
// must be created before their first append.
func (l *Log) Create(channelID string, kind Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, ok := l.partitions[channelID]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, channelID)
	}
	l.partitions[channelID] = &partition{kind: kind}
	return nil
}

// Append stores a new event on a channel and returns it. Appending to an
// unknown channel creates a Broadcast partition.
func (l *Log) Append(channelID string, payload []byte, relatedRequestID string) (Event, error) {
	p, err := l.partition(channelID, true)
	if err != nil {
		return Event{}, err
	}

	kind := Broadcast
	if relatedRequestID != "" {
		kind = RequestScoped
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := l.cfg.Now()
	p.lastSeq++
	ev := Event{
		ID:               FormatID(l.sessionID, channelID, p.lastSeq),
		ChannelID:        channelID,
		Seq:              p.lastSeq,
		Kind:             kind,
		RelatedRequestID: relatedRequestID,
		Payload:          append([]byte(nil), payload...),
		CreatedAt:        now,
	}
	if p.events.push(ev, l.cfg.Capacity) {
		p.evicted++
	}
	l.prune(p, now)
	return ev, nil
}

// ReplayAfter pushes every retained event after lastSeenEventID into sink, in
// order. An empty id replays from the start of the channel. It fails with
// ErrReplayGap when events after the id have already been evicted.
func (l *Log) ReplayAfter(channelID, lastSeenEventID string, sink Sink) error {
	var after uint64
	if lastSeenEventID != "" {
		ch, seq, err := ParseID(l.sessionID, lastSeenEventID)
		if err != nil {
			return err
		}
		if ch != channelID {
			return fmt.Errorf("%w: %q does not belong to channel %s", ErrMalformedID, lastSeenEventID, channelID)
		}
		after = seq
	}

	events, err := l.Since(channelID, after)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return nil
}

// Since returns a copy of the retained events with a sequence greater than after.
func (l *Log) Since(channelID string, after uint64) ([]Event, error) {
	p, err := l.partition(channelID, false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l.prune(p, l.cfg.Now())
	first, err := l.check(p, channelID, after)
	if err != nil {
		return nil, err
	}
	if after >= p.lastSeq {
		return nil, nil
	}

	start := int(after + 1 - first)
	out := make([]Event, 0, p.events.len()-start)
	for i := start; i < p.events.len(); i++ {
		out = append(out, p.events.at(i))
	}
	return out, nil
}

// Validate reports whether a channel can resume after the given sequence.
func (l *Log) Validate(channelID string, after uint64) error {
	p, err := l.partition(channelID, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l.prune(p, l.cfg.Now())
	_, err = l.check(p, channelID, after)
	return err
}

// check validates a resume position and returns the oldest retained sequence.
// Caller holds p.mu.
func (l *Log) check(p *partition, channelID string, after uint64) (uint64, error) {
	first := p.lastSeq + 1
	if p.events.len() > 0 {
		first = p.events.front().Seq
	}
	if after > p.lastSeq {
		return first, fmt.Errorf("%w: %s", ErrUnknownEvent, FormatID(l.sessionID, channelID, after))
	}
	if after+1 < first {
		return first, fmt.Errorf("%w: channel %s resumes after %d but oldest retained is %d",
			ErrReplayGap, channelID, after, first)
	}
	return first, nil
}

// prune drops events older than MaxAge. Caller holds p.mu.
func (l *Log) prune(p *partition, now time.Time) {
	if l.cfg.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-l.cfg.MaxAge)
	for p.events.len() > 0 && p.events.front().CreatedAt.Before(cutoff) {
		p.events.popFront()
		p.evicted++
	}
}

// Bounds returns the oldest retained sequence and the last assigned one. When
// nothing is retained first is last+1.
func (l *Log) Bounds(channelID string) (first, last uint64, err error) {
	p, err := l.partition(channelID, false)
	if err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	l.prune(p, l.cfg.Now())
	first = p.lastSeq + 1
	if p.events.len() > 0 {
		first = p.events.front().Seq
	}
	return first, p.lastSeq, nil
}

// Head returns the last sequence assigned on a channel, 0 when none.
func (l *Log) Head(channelID string) (uint64, error) {
	p, err := l.partition(channelID, false)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq, nil
}

// Stats describes one channel partition.
type Stats struct {
	ChannelID string `json:"channelID"`
	Kind      Kind   `json:"kind"`
	Retained  int    `json:"retained"`
	LastSeq   uint64 `json:"lastSeq"`
	Evicted   uint64 `json:"evicted"`
}

// Stats returns per-channel retention figures sorted by channel id.
func (l *Log) Stats() []Stats {
	l.mu.RLock()
	ids := make([]string, 0, len(l.partitions))
	parts := make(map[string]*partition, len(l.partitions))
	for id, p := range l.partitions {
		ids = append(ids, id)
		parts[id] = p
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		p := parts[id]
		p.mu.Lock()
		out = append(out, Stats{
			ChannelID: id,
			Kind:      p.kind,
			Retained:  p.events.len(),
			LastSeq:   p.lastSeq,
			Evicted:   p.evicted,
		})
		p.mu.Unlock()
	}
	return out
}

// Remove frees a channel partition.
func (l *Log) Remove(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.partitions, channelID)
}

// Close frees every partition. Later appends fail with ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.partitions = make(map[string]*partition)
}

func (l *Log) partition(channelID string, create bool) (*partition, error) {
	l.mu.RLock()
	p, ok := l.partitions[channelID]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if ok {
		return p, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if p, ok := l.partitions[channelID]; ok {
		return p, nil
	}
	p = &partition{kind: Broadcast}
	l.partitions[channelID] = p
	return p, nil
}
