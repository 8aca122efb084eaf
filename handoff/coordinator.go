package handoff

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
	"github.com/ruteri/tee-kms-handoff/metrics"
)

// ShareStore is the part of the share store the coordinator writes to.
type ShareStore interface {
	Put(ctx context.Context, id interfaces.HandoffID, share *interfaces.EncodedSecretShare) error
	PutDealt(ctx context.Context, id interfaces.HandoffID, share *interfaces.EncodedSecretShare) error
	RetireBefore(ctx context.Context, key interfaces.SchemeKey, epoch interfaces.EpochTime) int
	DiscardDealt(ctx context.Context, id interfaces.HandoffID) bool
}

// Config holds the coordinator's timing and fault-tolerance parameters.
type Config struct {
	// ApplicationTimeout bounds the wait for application agreement, counted
	// from the epoch announcement, unless the announcement carries a deadline.
	ApplicationTimeout time.Duration

	// HandoffTimeout bounds the whole handoff, counted from the announcement.
	HandoffTimeout time.Duration

	// RetryInterval is the pause between unsuccessful fetches and between
	// resubmissions to the agreement layer.
	RetryInterval time.Duration

	// RetryBudget is the maximum number of fetch calls per handoff, and of
	// confirmation resubmissions.
	RetryBudget int

	// TickInterval is how often Run checks deadlines.
	TickInterval time.Duration

	Predicates Predicates
}

// DefaultConfig returns the defaults used by the node binary.
func DefaultConfig() Config {
	return Config{
		ApplicationTimeout: 2 * time.Minute,
		HandoffTimeout:     10 * time.Minute,
		RetryInterval:      5 * time.Second,
		RetryBudget:        20,
		TickInterval:       time.Second,
		Predicates:         DefaultPredicates(),
	}
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithArchive publishes agreed matrices to archive after confirmation.
func WithArchive(archive interfaces.MatrixArchive) Option {
	return func(c *Coordinator) {
		c.archive = archive
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// Coordinator drives the handoff state machine for every runtime+scheme the
// node participates in. Transitions of one handoff are serialized by its
// record; handoffs of different runtimes or schemes progress independently.
type Coordinator struct {
	cfg       Config
	identity  *cryptoutils.Identity
	store     ShareStore
	dealer    interfaces.Dealer
	fetcher   *Fetcher
	agreement interfaces.Agreement
	archive   interfaces.MatrixArchive
	clock     clock.Clock
	verifier  cryptoutils.ChecksumVerifier
	log       *slog.Logger

	records *table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Close to stop background fetches.
func NewCoordinator(cfg Config, identity *cryptoutils.Identity, store ShareStore, dealer interfaces.Dealer, fetcher *Fetcher, agreement interfaces.Agreement, log *slog.Logger, opts ...Option) *Coordinator {
	if cfg.Predicates.ApplicationsAgree == nil {
		cfg.Predicates = DefaultPredicates()
	}
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		identity:  identity,
		store:     store,
		dealer:    dealer,
		fetcher:   fetcher,
		agreement: agreement,
		clock:     clock.New(),
		log:       log.With("node", identity.NodeID().Short()),
		records:   newTable(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels every in-flight fetch and waits for background work.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Run consumes agreement events until ctx is done or events is closed, and
// enforces deadlines in between.
func (c *Coordinator) Run(ctx context.Context, events <-chan interfaces.AgreementEvent) error {
	ticker := c.clock.Ticker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.dispatch(ctx, ev)
		case now := <-ticker.C:
			c.CheckDeadlines(ctx, now)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev interfaces.AgreementEvent) {
	var err error
	var kind string
	switch {
	case ev.Epoch != nil:
		kind = "epoch"
		err = c.HandleEpoch(ctx, *ev.Epoch)
	case ev.Application != nil:
		kind = "application"
		err = c.HandleApplication(ctx, *ev.Application)
	case ev.Confirmation != nil:
		kind = "confirmation"
		err = c.HandleConfirmation(ctx, *ev.Confirmation)
	case ev.Abandon != nil:
		kind = "abandon"
		err = c.HandleAbandon(ctx, *ev.Abandon)
	default:
		c.log.Warn("empty agreement event")
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrStaleHandoff):
		c.log.Debug("rejected stale event", "event", kind, "err", err)
	case interfaces.IsByzantine(err), errors.Is(err, interfaces.ErrNotMember):
		c.log.Warn("rejected event", "event", kind, "fault", kind, "err", err)
	default:
		c.log.Error("failed to handle event", "event", kind, "err", err)
	}
}

// HandleEpoch reacts to a committee selection. The previous handoff of the
// same runtime+scheme is superseded; if the node is a member of the new
// committee it deals and submits its application.
func (c *Coordinator) HandleEpoch(ctx context.Context, ev interfaces.EpochEvent) error {
	if err := ev.Committee.Validate(); err != nil {
		return fmt.Errorf("invalid committee for %s: %w", ev.HandoffID(), err)
	}

	id := ev.HandoffID()
	now := c.clock.Now()

	rec := newRecord(id, ev.Committee, ev.Committee.IndexOf(c.identity.NodeID()))
	rec.appDeadline = ev.ApplicationDeadline
	if rec.appDeadline.IsZero() {
		rec.appDeadline = now.Add(c.cfg.ApplicationTimeout)
	}
	rec.handoffDeadline = ev.HandoffDeadline
	if rec.handoffDeadline.IsZero() {
		rec.handoffDeadline = now.Add(c.cfg.HandoffTimeout)
	}

	// Hold the new record until dealing is done so events for it wait.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	prev, err := c.records.install(rec)
	if err != nil {
		return err
	}
	if prev != nil {
		c.supersede(ctx, prev, id)
	}

	if rec.selfIndex == 0 {
		c.log.Info("not a committee member", "handoff", id, "committee", ev.Committee.Size())
		c.transitionLocked(rec, PhaseIdle)
		return nil
	}

	c.transitionLocked(rec, PhaseDealing)
	if err := c.dealLocked(ctx, rec); err != nil {
		c.abortLocked(ctx, rec, fmt.Sprintf("dealing failed: %v", err))
		return err
	}
	return nil
}

// dealLocked produces the dealt material, stores it and applies.
func (c *Coordinator) dealLocked(ctx context.Context, rec *record) error {
	dealt, err := c.dealer.Deal(rec.id, rec.committee.Threshold, rec.committee.Size(), rec.selfIndex)
	if err != nil {
		return err
	}
	defer cryptoutils.Zeroize(dealt.Polynomial)

	if err := c.store.PutDealt(ctx, rec.id, dealt); err != nil {
		return fmt.Errorf("failed to store dealt share: %w", err)
	}

	rec.own = c.verifier.Compute(dealt.VerificationMatrix)
	app, err := c.identity.SignApplication(interfaces.Application{HandoffID: rec.id, Checksum: rec.own})
	if err != nil {
		return err
	}
	rec.pendingApp = &app
	if !c.submitLocked(ctx, rec) {
		c.startSubmitterLocked(rec)
	}
	c.transitionLocked(rec, PhaseAwaitingApplications)

	// Applications of other members may have arrived while dealing.
	c.evaluateApplicationsLocked(ctx, rec)
	return nil
}

// supersede retires the previous handoff of a runtime+scheme.
func (c *Coordinator) supersede(ctx context.Context, prev *record, next interfaces.HandoffID) {
	prev.mu.Lock()
	switch {
	case prev.phase == PhaseConfirmed:
		c.transitionLocked(prev, PhaseSuperseded)
	case prev.phase.InFlight():
		c.abortLocked(ctx, prev, fmt.Sprintf("superseded by epoch %d", next.Epoch))
	}
	prev.mu.Unlock()

	if n := c.store.RetireBefore(ctx, prev.id.Key(), prev.id.Epoch); n > 0 {
		c.log.Info("retired share generations", "scheme", prev.id.Key(), "before", prev.id.Epoch, "count", n)
	}
}

// HandleApplication records a finalized application and moves to fetching
// once a quorum agrees on a checksum.
func (c *Coordinator) HandleApplication(ctx context.Context, ev interfaces.ApplicationEvent) error {
	app := ev.Application.Application
	rec, err := c.records.lookup(app.HandoffID)
	if err != nil {
		return err
	}

	signer, err := cryptoutils.VerifyApplication(ev.Application)
	if err != nil {
		return err
	}
	if signer != ev.Signer {
		return fmt.Errorf("%w: application signed by %s, delivered for %s", interfaces.ErrInvalidSignature, signer, ev.Signer)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.phase.Active() {
		return fmt.Errorf("%w: %s is %s", interfaces.ErrStaleHandoff, rec.id, rec.phase)
	}
	if !rec.committee.Contains(signer) {
		return fmt.Errorf("%w: application from %s", interfaces.ErrNotMember, signer)
	}

	if prev, ok := rec.applications[signer]; ok {
		if prev != app.Checksum {
			c.faultLocked(rec, signer, FaultEquivocation, "second application with a different checksum")
		}
		return nil
	}
	rec.applications[signer] = app.Checksum

	if rec.agreedSet {
		if app.Checksum != rec.agreed {
			c.faultLocked(rec, signer, FaultDisagreement, "late application disagrees with agreed checksum")
		}
		return nil
	}

	c.evaluateApplicationsLocked(ctx, rec)
	return nil
}

func (c *Coordinator) evaluateApplicationsLocked(ctx context.Context, rec *record) {
	if rec.phase != PhaseAwaitingApplications {
		return
	}

	agreed, ok := c.cfg.Predicates.ApplicationsAgree(rec.applications, rec.committee)
	if !ok {
		if !c.cfg.Predicates.AgreementReachable(rec.applications, rec.committee) {
			c.abortLocked(ctx, rec, "application agreement is unreachable")
		}
		return
	}

	rec.agreed = agreed
	rec.agreedSet = true
	for _, node := range rec.applications.Dissenters(agreed) {
		c.faultLocked(rec, node, FaultDisagreement, "application disagrees with agreed checksum")
	}
	for _, node := range rec.confirmations.Dissenters(agreed) {
		c.faultLocked(rec, node, FaultDisagreement, "confirmation disagrees with agreed checksum")
	}
	if rec.own != agreed {
		c.log.Warn("own dealing disagrees with the committee", "handoff", rec.id, "own", rec.own, "agreed", agreed)
	}

	c.log.Info("applications agree", "handoff", rec.id, "checksum", agreed, "applications", len(rec.applications))
	if !c.cfg.Predicates.FaultsTolerated(rec.faultyMembers(), rec.committee) {
		c.abortLocked(ctx, rec, "disagreement exceeds fault tolerance")
		return
	}

	c.transitionLocked(rec, PhaseFetching)
	c.startDriverLocked(rec)
}

// startDriverLocked launches the fetch loop of a record.
func (c *Coordinator) startDriverLocked(rec *record) {
	ctx, cancel := context.WithCancel(c.ctx)
	rec.cancel = cancel
	rec.session = c.fetcher.NewSession(rec.id, rec.committee, rec.agreed)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.drive(ctx, rec)
	}()
}

// drive fetches until the record leaves the fetching phase.
func (c *Coordinator) drive(ctx context.Context, rec *record) {
	for {
		rec.mu.Lock()
		if rec.phase != PhaseFetching {
			rec.mu.Unlock()
			return
		}
		if rec.attempts >= c.cfg.RetryBudget {
			c.abortLocked(ctx, rec, fmt.Sprintf("retry budget of %d fetches exhausted", c.cfg.RetryBudget))
			rec.mu.Unlock()
			return
		}
		rec.attempts++
		session := rec.session
		targets := rec.committee.Members
		threshold := rec.committee.Threshold
		rec.mu.Unlock()

		result, err := c.fetcher.Fetch(ctx, session, targets, threshold)
		if ctx.Err() != nil {
			return
		}

		rec.mu.Lock()
		if rec.phase != PhaseFetching || rec.session != session {
			rec.mu.Unlock()
			return
		}
		rec.lastFetch = &result
		for _, node := range result.Byzantine {
			c.faultLocked(rec, node, FaultVerification, "served a fragment failing verification")
		}

		retryNow := false
		switch {
		case err != nil:
			c.log.Error("fetch failed", "handoff", rec.id, "err", err)
		case c.cfg.Predicates.FetchComplete(len(result.Succeeded), rec.committee):
			retryNow = c.verifyLocked(ctx, rec)
			if !retryNow {
				rec.mu.Unlock()
				return
			}
		case result.Outcome == OutcomeImpossible:
			c.abortLocked(ctx, rec, "threshold unreachable: too many byzantine sources")
			rec.mu.Unlock()
			return
		}

		if !c.cfg.Predicates.FaultsTolerated(rec.faultyMembers(), rec.committee) {
			c.abortLocked(ctx, rec, "faults exceed tolerance")
			rec.mu.Unlock()
			return
		}
		rec.mu.Unlock()

		if retryNow {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.RetryInterval):
		}
	}
}

// verifyLocked combines the session's fragments. It returns true when the
// record went back to fetching and should be retried right away.
func (c *Coordinator) verifyLocked(ctx context.Context, rec *record) bool {
	c.transitionLocked(rec, PhaseVerifying)

	fragments := rec.session.Fragments()
	matrix := rec.session.Matrix()

	share, err := c.dealer.Combine(fragments, rec.committee.Threshold, matrix, rec.selfIndex)
	if err == nil && !c.verifier.Matches(share.VerificationMatrix, rec.agreed) {
		cryptoutils.Zeroize(share.Polynomial)
		err = fmt.Errorf("%w: combined share", interfaces.ErrChecksumMismatch)
	}
	if err != nil {
		offenders := c.attributeLocked(rec, fragments, matrix)
		if offenders == 0 {
			// Nothing attributable: refetch everything from scratch.
			rec.session.Reset()
		}
		c.log.Warn("combined share failed verification", "handoff", rec.id, "fault", "verification", "offenders", offenders, "err", err)
		c.transitionLocked(rec, PhaseFetching)
		return true
	}
	defer cryptoutils.Zeroize(share.Polynomial)

	if err := c.store.Put(ctx, rec.id, share); err != nil {
		c.abortLocked(ctx, rec, fmt.Sprintf("failed to store share: %v", err))
		return false
	}
	rec.session.Close()
	c.transitionLocked(rec, PhaseConfirmed)

	// The confirmation always cites the agreed checksum.
	conf, err := c.identity.SignConfirmation(interfaces.Confirmation{HandoffID: rec.id, Checksum: rec.agreed})
	if err != nil {
		c.log.Error("failed to sign confirmation", "handoff", rec.id, "err", err)
		return false
	}
	rec.pendingConf = &conf
	if !c.submitLocked(ctx, rec) {
		c.startSubmitterLocked(rec)
	}

	c.publish(rec.id, matrix)
	return false
}

// submitLocked hands the record's pending application and confirmation to
// the agreement layer. It reports whether nothing is left pending.
func (c *Coordinator) submitLocked(ctx context.Context, rec *record) bool {
	if rec.pendingApp != nil {
		if err := c.agreement.SubmitApplication(ctx, *rec.pendingApp); err != nil {
			c.log.Warn("failed to submit application", "handoff", rec.id, "attempt", rec.submitAttempts, "err", err)
		} else {
			c.log.Info("submitted application", "handoff", rec.id, "index", rec.selfIndex, "checksum", rec.own)
			rec.pendingApp = nil
		}
	}
	if rec.pendingConf != nil {
		if err := c.agreement.SubmitConfirmation(ctx, *rec.pendingConf); err != nil {
			c.log.Warn("failed to submit confirmation", "handoff", rec.id, "attempt", rec.submitAttempts, "err", err)
		} else {
			c.log.Info("submitted confirmation", "handoff", rec.id, "checksum", rec.agreed)
			rec.pendingConf = nil
		}
	}
	return rec.pendingApp == nil && rec.pendingConf == nil
}

// startSubmitterLocked retries pending submissions every retry interval.
// Applications are retried until the application deadline, confirmations
// until the retry budget is spent. Both stop once the record is no longer
// active.
func (c *Coordinator) startSubmitterLocked(rec *record) {
	if rec.submitting {
		return
	}
	rec.submitting = true
	rec.submitAttempts = 0

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-c.clock.After(c.cfg.RetryInterval):
			}

			rec.mu.Lock()
			done := c.resubmitLocked(rec)
			if done {
				rec.submitting = false
			}
			rec.mu.Unlock()
			if done {
				return
			}
		}
	}()
}

func (c *Coordinator) resubmitLocked(rec *record) bool {
	if !rec.phase.Active() {
		rec.pendingApp, rec.pendingConf = nil, nil
		return true
	}
	if rec.pendingApp != nil && c.clock.Now().After(rec.appDeadline) {
		c.log.Error("application deadline passed before the application was accepted", "handoff", rec.id)
		rec.pendingApp = nil
	}

	rec.submitAttempts++
	if c.submitLocked(c.ctx, rec) {
		return true
	}
	if rec.pendingApp == nil && rec.submitAttempts >= c.cfg.RetryBudget {
		c.log.Error("giving up on confirmation", "handoff", rec.id, "attempts", rec.submitAttempts)
		rec.pendingConf = nil
		return true
	}
	return false
}

// attributeLocked re-verifies each fragment and excludes the sources whose
// fragment fails. Returns the number of excluded sources.
func (c *Coordinator) attributeLocked(rec *record, fragments []interfaces.Fragment, matrix interfaces.VerificationMatrix) int {
	offenders := 0
	for _, frag := range fragments {
		if c.dealer.VerifyFragment(frag.Data, matrix, frag.Index) {
			continue
		}
		rec.session.Exclude(frag.Source, fmt.Errorf("%w: fragment failed at combine", interfaces.ErrVerification))
		c.faultLocked(rec, frag.Source, FaultVerification, "fragment failed verification at combine")
		offenders++
	}
	return offenders
}

// publish stores the agreed matrix in the archive without blocking the
// state machine.
func (c *Coordinator) publish(id interfaces.HandoffID, matrix interfaces.VerificationMatrix) {
	if c.archive == nil || matrix == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		checksum, err := c.archive.Store(c.ctx, matrix)
		if err != nil {
			c.log.Warn("failed to archive verification matrix", "handoff", id, "archive", c.archive.Name(), "err", err)
			return
		}
		c.log.Info("archived verification matrix", "handoff", id, "archive", c.archive.Name(), "checksum", checksum)
	}()
}

// HandleConfirmation records a finalized confirmation. Confirmations citing
// another checksum than the agreed one are attributed as faults.
func (c *Coordinator) HandleConfirmation(ctx context.Context, ev interfaces.ConfirmationEvent) error {
	conf := ev.Confirmation.Confirmation
	rec, err := c.records.lookup(conf.HandoffID)
	if err != nil {
		return err
	}

	signer, err := cryptoutils.VerifyConfirmation(ev.Confirmation)
	if err != nil {
		return err
	}
	if signer != ev.Signer {
		return fmt.Errorf("%w: confirmation signed by %s, delivered for %s", interfaces.ErrInvalidSignature, signer, ev.Signer)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.phase.Active() {
		return fmt.Errorf("%w: %s is %s", interfaces.ErrStaleHandoff, rec.id, rec.phase)
	}
	if !rec.committee.Contains(signer) {
		return fmt.Errorf("%w: confirmation from %s", interfaces.ErrNotMember, signer)
	}
	if _, ok := rec.confirmations[signer]; ok {
		return nil
	}
	rec.confirmations[signer] = conf.Checksum

	if !rec.agreedSet {
		return nil
	}
	if conf.Checksum != rec.agreed {
		c.faultLocked(rec, signer, FaultDisagreement, "confirmation disagrees with agreed checksum")
		return fmt.Errorf("%w: confirmation from %s", interfaces.ErrChecksumMismatch, signer.Short())
	}

	if !rec.finalized && c.cfg.Predicates.Finalized(rec.confirmations, rec.agreed, rec.committee) {
		rec.finalized = true
		c.log.Info("handoff finalized", "handoff", rec.id, "confirmations", len(rec.confirmations))
	}
	return nil
}

// HandleAbandon aborts a handoff the agreement layer gave up on.
func (c *Coordinator) HandleAbandon(ctx context.Context, ev interfaces.AbandonEvent) error {
	rec, err := c.records.lookup(ev.HandoffID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.phase.InFlight() {
		return fmt.Errorf("%w: %s is %s", interfaces.ErrStaleHandoff, rec.id, rec.phase)
	}
	c.abortLocked(ctx, rec, "abandoned by agreement layer: "+ev.Reason)
	return nil
}

// CheckDeadlines aborts handoffs whose deadline passed.
func (c *Coordinator) CheckDeadlines(ctx context.Context, now time.Time) {
	for _, rec := range c.records.all() {
		rec.mu.Lock()
		switch {
		case (rec.phase == PhaseDealing || rec.phase == PhaseAwaitingApplications) && now.After(rec.appDeadline):
			c.abortLocked(ctx, rec, fmt.Sprintf("application deadline exceeded with %d of %d applications", len(rec.applications), rec.committee.Quorum))
		case rec.phase.InFlight() && now.After(rec.handoffDeadline):
			c.abortLocked(ctx, rec, "handoff deadline exceeded")
		}
		rec.mu.Unlock()
	}
}

// abortLocked cancels in-flight work and discards all partial material.
func (c *Coordinator) abortLocked(ctx context.Context, rec *record, reason string) {
	if rec.cancel != nil {
		rec.cancel()
	}
	if rec.session != nil {
		rec.session.Close()
	}
	c.store.DiscardDealt(context.WithoutCancel(ctx), rec.id)

	from := rec.phase
	rec.abortReason = reason
	c.transitionLocked(rec, PhaseAborted)
	c.log.Error("handoff aborted", "handoff", rec.id, "phase", from, "reason", reason)
}

func (c *Coordinator) faultLocked(rec *record, node interfaces.NodeID, kind FaultKind, detail string) {
	rec.addFault(node, kind, detail, c.clock.Now())
	metrics.Faults.WithLabelValues(string(kind)).Inc()
	c.log.Warn("attributed fault", "handoff", rec.id, "member", node, "fault", kind, "detail", detail)
}

func (c *Coordinator) transitionLocked(rec *record, to Phase) {
	from := rec.phase
	rec.phase = to

	scheme := rec.id.Key().String()
	metrics.HandoffPhase.WithLabelValues(scheme, from.String()).Set(0)
	metrics.HandoffPhase.WithLabelValues(scheme, to.String()).Set(1)
	metrics.Transitions.WithLabelValues(to.String()).Inc()

	c.log.Debug("handoff transition", "handoff", rec.id, "from", from, "to", to)
}

// Lookup returns the committee of id if it is the active handoff of its
// runtime+scheme.
func (c *Coordinator) Lookup(id interfaces.HandoffID) (interfaces.Committee, bool) {
	rec, err := c.records.lookup(id)
	if err != nil {
		return interfaces.Committee{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.phase.Active() {
		return interfaces.Committee{}, false
	}
	return rec.committee, true
}

// FetchNow runs one fetch for an active handoff against the requested nodes
// and reports the outcome. Verified fragments feed the handoff's own session.
func (c *Coordinator) FetchNow(ctx context.Context, req interfaces.FetchRequest) (interfaces.FetchResponse, error) {
	rec, err := c.records.lookup(req.HandoffID)
	if err != nil {
		return interfaces.FetchResponse{}, err
	}

	rec.mu.Lock()
	phase := rec.phase
	session := rec.session
	threshold := rec.committee.Threshold
	last := rec.lastFetch
	rec.mu.Unlock()

	switch {
	case phase == PhaseConfirmed:
		resp := interfaces.FetchResponse{Completed: true}
		if last != nil {
			resp = last.Response()
		}
		return resp, nil
	case phase != PhaseFetching && phase != PhaseVerifying:
		return interfaces.FetchResponse{}, fmt.Errorf("%w: %s is %s", interfaces.ErrNotReady, rec.id, phase)
	}

	targets := req.NodeIDs
	if len(targets) == 0 {
		targets = rec.committee.Members
	}
	result, err := c.fetcher.Fetch(ctx, session, targets, threshold)
	if err != nil {
		return interfaces.FetchResponse{}, err
	}
	return result.Response(), nil
}

// Status returns the snapshot of the current handoff of a runtime+scheme.
func (c *Coordinator) Status(key interfaces.SchemeKey) (Status, bool) {
	rec := c.records.get(key)
	if rec == nil {
		return Status{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status(), true
}

// Statuses returns snapshots of all tracked handoffs.
func (c *Coordinator) Statuses() []Status {
	records := c.records.all()
	out := make([]Status, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, rec.status())
		rec.mu.Unlock()
	}
	return out
}
