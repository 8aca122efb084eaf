package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("governance is closed")

// handoffState tracks submissions for the current handoff of a runtime+scheme.
type handoffState struct {
	id            interfaces.HandoffID
	committee     interfaces.Committee
	appDeadline   time.Time
	applications  map[interfaces.NodeID][]interfaces.Checksum
	confirmations map[interfaces.NodeID]bool
	abandoned     bool
}

// Governance is an in-process agreement layer. It authenticates and orders
// submissions and delivers the resulting facts to every subscriber in the
// same order. Late subscribers get the full history replayed.
type Governance struct {
	mu        sync.Mutex
	log       *slog.Logger
	clock     clock.Clock
	handoffs  map[interfaces.SchemeKey]*handoffState
	history   []interfaces.AgreementEvent
	notifiers map[int]chan struct{}
	nextSub   int
	closed    bool
}

// Option configures a Governance.
type Option func(*Governance)

// WithClock replaces the wall clock used for deadlines.
func WithClock(clk clock.Clock) Option {
	return func(g *Governance) {
		g.clock = clk
	}
}

// New creates an empty agreement layer.
func New(log *slog.Logger, opts ...Option) *Governance {
	g := &Governance{
		log:       log,
		clock:     clock.New(),
		handoffs:  make(map[interfaces.SchemeKey]*handoffState),
		notifiers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AnnounceEpoch publishes committee selection for the next handoff of a
// runtime+scheme. The epoch must be newer than the last announced one.
func (g *Governance) AnnounceEpoch(ev interfaces.EpochEvent) error {
	if err := ev.Committee.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	id := ev.HandoffID()
	if cur := g.handoffs[id.Key()]; cur != nil && cur.id.Epoch >= id.Epoch {
		return fmt.Errorf("%w: epoch %d already announced for %s", interfaces.ErrStaleHandoff, cur.id.Epoch, id.Key())
	}

	g.handoffs[id.Key()] = &handoffState{
		id:            id,
		committee:     ev.Committee,
		appDeadline:   ev.ApplicationDeadline,
		applications:  make(map[interfaces.NodeID][]interfaces.Checksum),
		confirmations: make(map[interfaces.NodeID]bool),
	}

	event := ev
	g.appendLocked(interfaces.AgreementEvent{Epoch: &event})
	g.log.Info("announced epoch", "handoff", id, "committee", ev.Committee.Size(), "threshold", ev.Committee.Threshold, "quorum", ev.Committee.Quorum)
	return nil
}

// SubmitApplication implements interfaces.Agreement.
func (g *Governance) SubmitApplication(_ context.Context, app interfaces.SignedApplication) error {
	signer, err := cryptoutils.VerifyApplication(app)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.currentLocked(app.Application.HandoffID)
	if err != nil {
		return err
	}
	if !st.committee.Contains(signer) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotMember, signer)
	}

	// Exact resubmissions are dropped. A different checksum from the same
	// signer is recorded so that members can attribute the equivocation.
	for _, prev := range st.applications[signer] {
		if prev == app.Application.Checksum {
			return nil
		}
	}
	st.applications[signer] = append(st.applications[signer], app.Application.Checksum)

	g.appendLocked(interfaces.AgreementEvent{Application: &interfaces.ApplicationEvent{Signer: signer, Application: app}})
	g.log.Debug("accepted application", "handoff", st.id, "signer", signer, "checksum", app.Application.Checksum)
	return nil
}

// SubmitConfirmation implements interfaces.Agreement.
func (g *Governance) SubmitConfirmation(_ context.Context, conf interfaces.SignedConfirmation) error {
	signer, err := cryptoutils.VerifyConfirmation(conf)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.currentLocked(conf.Confirmation.HandoffID)
	if err != nil {
		return err
	}
	if !st.committee.Contains(signer) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotMember, signer)
	}
	if st.confirmations[signer] {
		return nil
	}
	st.confirmations[signer] = true

	g.appendLocked(interfaces.AgreementEvent{Confirmation: &interfaces.ConfirmationEvent{Signer: signer, Confirmation: conf}})
	g.log.Debug("accepted confirmation", "handoff", st.id, "signer", signer)
	return nil
}

// Abandon gives up on a handoff.
func (g *Governance) Abandon(id interfaces.HandoffID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.currentLocked(id)
	if err != nil {
		return err
	}
	g.abandonLocked(st, reason)
	return nil
}

func (g *Governance) abandonLocked(st *handoffState, reason string) {
	st.abandoned = true
	g.appendLocked(interfaces.AgreementEvent{Abandon: &interfaces.AbandonEvent{HandoffID: st.id, Reason: reason}})
	g.log.Warn("abandoned handoff", "handoff", st.id, "reason", reason)
}

// Expire abandons handoffs whose application deadline passed before enough
// members applied.
func (g *Governance) Expire(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	expired := 0
	for _, st := range g.handoffs {
		if st.abandoned || st.appDeadline.IsZero() || !now.After(st.appDeadline) {
			continue
		}
		if len(st.applications) >= st.committee.Quorum {
			continue
		}
		g.abandonLocked(st, fmt.Sprintf("insufficient applications: %d of %d", len(st.applications), st.committee.Quorum))
		expired++
	}
	return expired
}

// Run expires deadlines every interval until ctx is done.
func (g *Governance) Run(ctx context.Context, interval time.Duration) {
	ticker := g.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Expire(now)
		}
	}
}

// Committee returns the committee of the latest announced handoff.
func (g *Governance) Committee(key interfaces.SchemeKey) (interfaces.HandoffID, interfaces.Committee, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.handoffs[key]
	if st == nil {
		return interfaces.HandoffID{}, interfaces.Committee{}, false
	}
	return st.id, st.committee, true
}

// Subscribe implements interfaces.AgreementFeed. The returned channel first
// replays every past event.
func (g *Governance) Subscribe(ctx context.Context) (<-chan interfaces.AgreementEvent, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	id := g.nextSub
	g.nextSub++
	notify := make(chan struct{}, 1)
	notify <- struct{}{}
	g.notifiers[id] = notify
	g.mu.Unlock()

	out := make(chan interfaces.AgreementEvent)
	go g.deliver(ctx, id, notify, out)
	return out, nil
}

// Close stops all subscriptions.
func (g *Governance) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for id, notify := range g.notifiers {
		close(notify)
		delete(g.notifiers, id)
	}
}

func (g *Governance) deliver(ctx context.Context, id int, notify chan struct{}, out chan<- interfaces.AgreementEvent) {
	defer close(out)
	defer func() {
		g.mu.Lock()
		if g.notifiers[id] == notify {
			delete(g.notifiers, id)
		}
		g.mu.Unlock()
	}()

	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
		}

		for {
			g.mu.Lock()
			if pos >= len(g.history) {
				g.mu.Unlock()
				break
			}
			ev := g.history[pos]
			g.mu.Unlock()

			select {
			case out <- ev:
				pos++
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *Governance) currentLocked(id interfaces.HandoffID) (*handoffState, error) {
	st := g.handoffs[id.Key()]
	if st == nil || st.id != id || st.abandoned {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrStaleHandoff, id)
	}
	return st, nil
}

func (g *Governance) appendLocked(ev interfaces.AgreementEvent) {
	g.history = append(g.history, ev)
	for _, notify := range g.notifiers {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}
