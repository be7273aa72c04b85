package clock

import (
	"sync"
	"time"
)

// Group tracks every token scheduled on behalf of one owner (a task) so they
// can be released together.
//
// When a locker is supplied, each callback runs while holding it and first
// re-checks that its token is still live. An owner that cancels while holding
// the same locker therefore never observes a callback after Cancel or
// CancelAll returns, even if the underlying timer had already fired.
type Group struct {
	svc    *Service
	locker sync.Locker
	after  func()

	mu     sync.Mutex
	tokens map[Token]struct{}
	closed bool
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithLocker makes every callback of the group run while holding l.
func WithLocker(l sync.Locker) GroupOption {
	return func(g *Group) {
		g.locker = l
	}
}

// WithAfter registers fn to run after each callback that actually ran,
// once the locker has been released.
func WithAfter(fn func()) GroupOption {
	return func(g *Group) {
		g.after = fn
	}
}

// NewGroup creates a token group on s.
func (s *Service) NewGroup(opts ...GroupOption) *Group {
	g := &Group{
		svc:    s,
		tokens: make(map[Token]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Now returns the service clock's current time.
func (g *Group) Now() time.Time {
	return g.svc.Now()
}

// Schedule runs fn once after d. It returns the zero Token once the group is
// closed.
func (g *Group) Schedule(d time.Duration, fn func()) Token {
	tok, ok := g.track()
	if !ok {
		return 0
	}
	g.svc.arm(tok, d, 0, g.wrap(tok, false, fn))
	return tok
}

// ScheduleRepeating runs fn every interval until cancelled.
func (g *Group) ScheduleRepeating(interval time.Duration, fn func()) (Token, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	tok, ok := g.track()
	if !ok {
		return 0, nil
	}
	g.svc.arm(tok, interval, interval, g.wrap(tok, true, fn))
	return tok, nil
}

// Cancel releases tok if it belongs to this group.
func (g *Group) Cancel(tok Token) bool {
	g.mu.Lock()
	_, ok := g.tokens[tok]
	delete(g.tokens, tok)
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.svc.Cancel(tok)
	return true
}

// CancelAll releases every outstanding token and returns how many there were.
func (g *Group) CancelAll() int {
	g.mu.Lock()
	tokens := make([]Token, 0, len(g.tokens))
	for tok := range g.tokens {
		tokens = append(tokens, tok)
	}
	g.tokens = make(map[Token]struct{})
	g.mu.Unlock()

	for _, tok := range tokens {
		g.svc.Cancel(tok)
	}
	return len(tokens)
}

// Close cancels everything and rejects further scheduling.
func (g *Group) Close() int {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.CancelAll()
}

// Len returns the number of outstanding tokens.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

func (g *Group) track() (Token, bool) {
	tok := g.svc.reserve()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, false
	}
	g.tokens[tok] = struct{}{}
	return tok, true
}

func (g *Group) wrap(tok Token, repeating bool, fn func()) func() {
	return func() {
		if g.run(tok, repeating, fn) && g.after != nil {
			g.after()
		}
	}
}

func (g *Group) run(tok Token, repeating bool, fn func()) bool {
	if g.locker != nil {
		g.locker.Lock()
		defer g.locker.Unlock()
	}

	g.mu.Lock()
	_, live := g.tokens[tok]
	if live && !repeating {
		delete(g.tokens, tok)
	}
	g.mu.Unlock()

	if !live {
		return false
	}
	fn()
	return true
}
