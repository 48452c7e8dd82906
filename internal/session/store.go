package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"ansr/internal/auth"
	"ansr/internal/models"
)

// clientInitAttempts bounds how often Start retries handle acquisition
// before parking in a permanent error state.
const clientInitAttempts = 3

// Snapshot is one consistent view of auth state. A non-nil User always
// comes with a non-nil Session; the zero Snapshot means signed out.
type Snapshot struct {
	User       *models.User
	Session    *models.Session
	Loading    bool
	Err        error
	Generation uint64
}

// Store tracks the current session and keeps it consistent across manual
// fetches and the change feed. Writes carry a generation number so a
// stale fetch that lands late can never clobber fresher state.
type Store struct {
	factory *Factory

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	listeners []func(Snapshot)

	trackedToken string
	cancelFeed   context.CancelFunc
}

// NewStore builds a store; Start wires it up.
func NewStore(factory *Factory) *Store {
	return &Store{factory: factory, snap: Snapshot{Loading: true}}
}

// UseToken tells the store which access token Start should hydrate from.
func (s *Store) UseToken(token string) {
	s.mu.Lock()
	s.trackedToken = token
	s.mu.Unlock()
}

// Start acquires the client handle (up to three attempts, each preceded
// by a health check), hydrates the tracked session once, and subscribes
// to the change feed. After the third failed attempt the store parks in
// a permanent error state.
func (s *Store) Start(ctx context.Context) error {
	s.setLoading(true)

	var (
		client  *Client
		lastErr error
	)
	for attempt := 1; attempt <= clientInitAttempts; attempt++ {
		c, err := s.factory.Client(ctx)
		if err != nil {
			lastErr = err
			log.Printf("session store: client acquisition attempt %d/%d failed: %v", attempt, clientInitAttempts, err)
			continue
		}
		if err := c.HealthCheck(ctx); err != nil {
			lastErr = err
			log.Printf("session store: health check failed on attempt %d/%d: %v", attempt, clientInitAttempts, err)
			s.factory.Reset()
			continue
		}
		client = c
		break
	}
	if client == nil {
		s.fail(lastErr)
		return lastErr
	}

	s.mu.Lock()
	token := s.trackedToken
	s.mu.Unlock()
	if token != "" {
		gen := s.nextGen()
		sess, user, err := client.Auth.CurrentSession(ctx, token)
		if err != nil {
			s.apply(gen, nil, nil, err)
		} else {
			s.apply(gen, user, sess, nil)
		}
	} else {
		s.apply(s.nextGen(), nil, nil, nil)
	}

	if client.Cache != nil {
		feedCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelFeed = cancel
		s.mu.Unlock()
		go s.listen(feedCtx, client)
	}
	return nil
}

// Stop tears down the change-feed subscription.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel := s.cancelFeed
	s.cancelFeed = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current view.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe registers a listener invoked on every state change.
func (s *Store) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// ApplyEvent folds one auth event into the store. Exposed so in-process
// publishers can bypass the cache feed.
func (s *Store) ApplyEvent(ctx context.Context, evt auth.Event) {
	switch evt.Type {
	case auth.EventSignedOut:
		s.mu.Lock()
		if s.snap.User != nil && s.snap.User.ID != evt.UserID {
			s.mu.Unlock()
			return
		}
		s.gen++
		gen := s.gen
		s.mu.Unlock()
		s.apply(gen, nil, nil, nil)
	case auth.EventSignedIn, auth.EventTokenRefreshed, auth.EventRecovered:
		if evt.Session == nil {
			return
		}
		s.mu.Lock()
		if s.snap.User != nil && s.snap.User.ID != evt.UserID {
			// another user's event, not ours to track
			s.mu.Unlock()
			return
		}
		s.gen++
		gen := s.gen
		s.trackedToken = evt.Session.AccessToken
		s.mu.Unlock()

		var user *models.User
		if client := s.factory.Peek(); client != nil {
			if u, err := client.Auth.UserByID(ctx, evt.UserID); err == nil {
				user = u
			}
		}
		// user may stay nil when the lookup fails; session-only state is
		// consistent, user-without-session never is
		s.apply(gen, user, evt.Session, nil)
	}
}

func (s *Store) listen(ctx context.Context, client *Client) {
	pubsub := client.Cache.Subscribe(ctx, auth.EventsChannel)
	if pubsub == nil {
		return
	}
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt auth.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("session store: bad event payload: %v", err)
				continue
			}
			s.ApplyEvent(ctx, evt)
		}
	}
}

func (s *Store) nextGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen
}

// apply installs new state unless a newer generation already won.
func (s *Store) apply(gen uint64, user *models.User, sess *models.Session, err error) {
	if user != nil && sess == nil {
		// never expose a user without a session
		user = nil
	}
	s.mu.Lock()
	if gen < s.gen {
		s.mu.Unlock()
		return
	}
	s.snap = Snapshot{User: user, Session: sess, Err: err, Generation: gen}
	snap := s.snap
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Store) setLoading(loading bool) {
	s.mu.Lock()
	s.snap.Loading = loading
	s.mu.Unlock()
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	s.gen++
	s.snap = Snapshot{Err: err, Generation: s.gen}
	snap := s.snap
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
