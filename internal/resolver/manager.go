// Package resolver decides, for every incoming message, whether it continues
// the user's active thread, reactivates a dormant one, or starts a new one.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/xaenox/threadkeeper/internal/cache"
	"github.com/xaenox/threadkeeper/internal/classifier"
	"github.com/xaenox/threadkeeper/internal/decision"
	"github.com/xaenox/threadkeeper/internal/dedupe"
	"github.com/xaenox/threadkeeper/internal/embeddings"
	"github.com/xaenox/threadkeeper/internal/metrics"
	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/profile"
	"github.com/xaenox/threadkeeper/internal/signals"
	"github.com/xaenox/threadkeeper/internal/storage"
)

// centroidKeep is the weight of the old centroid when a message is folded in.
const centroidKeep = 0.9

const listLimit = 20

// Deps are the collaborators of a Manager. Threads, Profiles, Cache and
// Signals are required.
type Deps struct {
	Threads  storage.ThreadStore
	Profiles storage.ProfileStore
	Cache    *cache.ThreadCache
	Signals  []signals.Signal
	// Ledger defaults to an in-memory ledger sized by Config.DedupeWindow.
	Ledger  dedupe.Ledger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Clock and NewID default to time.Now and random UUIDs.
	Clock func() time.Time
	NewID func() string
}

// DefaultSignals wires the four built-in signals.
func DefaultSignals(embedder embeddings.Service, intents classifier.IntentClassifier, entities classifier.EntityExtractor, decayTau time.Duration) []signals.Signal {
	return []signals.Signal{
		signals.NewSemanticSignal(embedder),
		signals.NewTemporalSignal(decayTau),
		signals.NewIntentSignal(intents),
		signals.NewEntitySignal(entities),
	}
}

// Manager is the thread resolution entry point. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	threads  storage.ThreadStore
	profiles storage.ProfileStore
	cache    *cache.ThreadCache
	signals  []signals.Signal
	engine   *decision.Engine
	learner  *profile.Learner
	ledger   dedupe.Ledger
	locks    *keyedLocker
	known    *lru.Cache[string, models.UserBehaviorProfile]
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolver config: %w", err)
	}
	if deps.Threads == nil || deps.Profiles == nil || deps.Cache == nil {
		return nil, errors.New("resolver needs a thread store, a profile store and a cache")
	}
	if len(deps.Signals) == 0 {
		return nil, errors.New("resolver needs at least one signal")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Ledger == nil {
		deps.Ledger = dedupe.NewMemoryLedger(0, cfg.DedupeWindow)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	known, err := lru.New[string, models.UserBehaviorProfile](4096)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		threads:  deps.Threads,
		profiles: deps.Profiles,
		cache:    deps.Cache,
		signals:  deps.Signals,
		engine:   decision.NewEngine(cfg.decisionConfig()),
		learner:  profile.NewLearner(cfg.LearningRate, cfg.DecayTau),
		ledger:   deps.Ledger,
		locks:    newKeyedLocker(cfg.LockShards),
		known:    known,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Clock,
		newID:    deps.NewID,
	}, nil
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Resolve picks the thread for msg and persists the outcome. It returns an
// error only for invalid input, ErrAccessDenied or ErrCancelled; every other
// failure degrades the decision instead.
func (m *Manager) Resolve(ctx context.Context, msg models.IncomingMessage) (models.ThreadResolution, error) {
	start := m.now()
	if msg.UserID == "" {
		return models.ThreadResolution{}, fmt.Errorf("%w: missing user id", ErrInvalidMessage)
	}
	// The fingerprint is taken before the timestamp is defaulted so retries of
	// a message without one still match within the dedupe window. Such a
	// fingerprint does not identify the submission for good, so it is not
	// stored on the thread.
	fingerprint := dedupe.Fingerprint(msg)
	threadFingerprint := fingerprint
	if _, ok := msg.Hint(models.ContextMessageID); !ok && msg.Timestamp.IsZero() {
		threadFingerprint = ""
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = start
	}
	if err := ctx.Err(); err != nil {
		return models.ThreadResolution{}, cancelled(err)
	}

	// Signals are gathered before taking the user lock so slow services never
	// hold up other resolutions for the same user longer than the deadline.
	results := signals.Gather(ctx, msg, m.signals, signals.GatherOptions{
		CallTimeout: m.cfg.SignalTimeout,
		Deadline:    m.cfg.ResolutionDeadline,
	})
	if err := ctx.Err(); err != nil {
		return models.ThreadResolution{}, cancelled(err)
	}
	for _, r := range results {
		m.metrics.RecordSignal(r.Name, r.Took, r.Available(), r.TimedOut)
		if !r.Available() {
			m.logger.Debug("Signal unavailable",
				zap.Error(r.Err),
				zap.String("signal", r.Name),
				zap.String("user_id", msg.UserID))
		}
	}

	unlock, err := m.locks.Lock(ctx, msg.UserID)
	if err != nil {
		return models.ThreadResolution{}, cancelled(err)
	}
	defer unlock()

	if res, ok := m.duplicate(ctx, msg.UserID, fingerprint); ok {
		return res, nil
	}

	prof := m.profile(ctx, msg.UserID)
	th := m.engine.Thresholds(prof)

	var d decision.Decision
	if id, ok := msg.Hint(models.ContextThreadID); ok {
		var handled bool
		d, handled, err = m.decideOverride(ctx, msg, id, th)
		if err != nil {
			return models.ThreadResolution{}, err
		}
		if !handled {
			d = m.decide(ctx, msg, results, prof, th)
		}
	} else if forceNew(msg) {
		d = decision.Decision{
			Action:     models.ActionCreated,
			Confidence: 1,
			Reasoning:  models.Reasoning{Rule: models.RuleForceNew, Thresholds: th},
		}
	} else {
		d = m.decide(ctx, msg, results, prof, th)
	}
	for _, r := range results {
		if !r.Available() {
			d.Reasoning.Degraded = append(d.Reasoning.Degraded, r.Name)
		}
	}

	// Nothing has been written yet; a caller that gave up gets nothing persisted.
	if err := ctx.Err(); err != nil {
		return models.ThreadResolution{}, cancelled(err)
	}

	res := m.persist(ctx, msg, threadFingerprint, d, signals.CollectFeatures(results))

	if first, err := m.ledger.Remember(ctx, msg.UserID, fingerprint, res); err != nil {
		m.logger.Warn("Failed to remember resolution",
			zap.Error(err),
			zap.String("user_id", msg.UserID))
	} else if first.ThreadID != res.ThreadID {
		m.logger.Warn("Duplicate resolution detected",
			zap.Error(ErrDuplicateCreation),
			zap.String("user_id", msg.UserID),
			zap.String("thread_id", res.ThreadID),
			zap.String("first_thread_id", first.ThreadID))
		m.metrics.RecordDuplicate()
		res = first
	}

	m.metrics.RecordResolution(string(res.Action), res.Reasoning.Rule, m.now().Sub(start))
	fields := []zap.Field{
		zap.String("user_id", msg.UserID),
		zap.String("thread_id", res.ThreadID),
		zap.String("action", string(res.Action)),
		zap.Float64("confidence", res.Confidence),
		zap.Any("reasoning", res.Reasoning),
	}
	if res.Reasoning.Fallback || len(res.Reasoning.Degraded) > 0 {
		m.logger.Warn("Thread resolved with degraded signals", fields...)
	} else {
		m.logger.Debug("Thread resolved", fields...)
	}
	return res, nil
}

func forceNew(msg models.IncomingMessage) bool {
	v, ok := msg.Hint(models.ContextForceNew)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// duplicate returns the resolution already committed for this fingerprint.
func (m *Manager) duplicate(ctx context.Context, userID, fingerprint string) (models.ThreadResolution, bool) {
	res, ok, err := m.ledger.Lookup(ctx, userID, fingerprint)
	if err != nil {
		m.logger.Warn("Failed to look up fingerprint",
			zap.Error(err),
			zap.String("user_id", userID))
		return models.ThreadResolution{}, false
	}
	if ok {
		m.metrics.RecordDuplicate()
		m.logger.Info("Duplicate submission answered from ledger",
			zap.String("user_id", userID),
			zap.String("thread_id", res.ThreadID))
	}
	return res, ok
}

// decide runs the multi-factor decision, falling back to the temporal
// heuristic when the store or every remote signal is unavailable.
func (m *Manager) decide(ctx context.Context, msg models.IncomingMessage, results []signals.Result, prof models.UserBehaviorProfile, th models.Thresholds) decision.Decision {
	snap, err := m.cache.Load(ctx, msg.UserID)
	if err != nil {
		var active *models.Thread
		if last, ok := m.cache.LastKnown(msg.UserID); ok {
			active, _ = last.Threads()
		}
		m.logger.Warn("Thread store unavailable, using temporal fallback",
			zap.Error(err),
			zap.String("user_id", msg.UserID),
			zap.Bool("last_known", active != nil))
		m.metrics.RecordFallback("store")
		return decision.Fallback(active, msg.Timestamp, m.cfg.DormancyThreshold, th)
	}

	active, dormant := snap.Threads()
	if signals.AllRemoteUnavailable(results) {
		m.logger.Warn("All signals unavailable, using temporal fallback",
			zap.String("user_id", msg.UserID))
		m.metrics.RecordFallback("signals")
		return decision.Fallback(active, msg.Timestamp, m.cfg.DormancyThreshold, th)
	}

	env := signals.Env{Now: msg.Timestamp, DecayTau: m.cfg.DecayTau}
	if prof.DormancyTolerance > 0 {
		env.DecayTau = prof.DormancyTolerance
	}
	candidates := decision.Classify(active, dormant, msg.Timestamp,
		m.cfg.DormancyThreshold, m.cfg.MaxThreadAge, m.cfg.MaxDormantCandidates)
	scored := m.engine.Score(candidates, results, env, m.engine.Weights(prof))
	return m.engine.Decide(scored, th)
}

// decideOverride honors an explicit thread named by the caller. handled is
// false when ownership cannot be checked because the store is down and the
// thread is not in the last known snapshot; the caller then decides normally.
func (m *Manager) decideOverride(ctx context.Context, msg models.IncomingMessage, threadID string, th models.Thresholds) (decision.Decision, bool, error) {
	t, err := m.threads.GetThread(ctx, threadID)
	switch {
	case errors.Is(err, storage.ErrThreadNotFound):
		return decision.Decision{}, false, fmt.Errorf("%w: thread %s", ErrAccessDenied, threadID)
	case err != nil:
		if ctx.Err() != nil {
			return decision.Decision{}, false, cancelled(ctx.Err())
		}
		t = m.lastKnownThread(msg.UserID, threadID)
		if t == nil {
			m.logger.Warn("Cannot verify thread override, store unavailable",
				zap.Error(err),
				zap.String("user_id", msg.UserID),
				zap.String("thread_id", threadID))
			return decision.Decision{}, false, nil
		}
	}

	if t.UserID != msg.UserID {
		m.logger.Warn("Thread override denied",
			zap.String("user_id", msg.UserID),
			zap.String("thread_id", threadID))
		return decision.Decision{}, false, fmt.Errorf("%w: thread %s", ErrAccessDenied, threadID)
	}
	if t.Status == models.StatusArchived {
		return decision.Decision{}, false, fmt.Errorf("%w: thread %s is archived", ErrAccessDenied, threadID)
	}

	d := decision.Decision{
		Action:     models.ActionReactivated,
		Thread:     t,
		Confidence: 1,
		Reasoning:  models.Reasoning{Rule: models.RuleExplicitOverride, Thresholds: th},
	}
	if t.Status == models.StatusActive && t.Idle(msg.Timestamp) < m.cfg.DormancyThreshold {
		d.Action = models.ActionContinued
	}
	return d, true, nil
}

func (m *Manager) lastKnownThread(userID, threadID string) *models.Thread {
	snap, ok := m.cache.LastKnown(userID)
	if !ok {
		return nil
	}
	active, dormant := snap.Threads()
	if active != nil && active.ID == threadID {
		return active
	}
	for _, t := range dormant {
		if t.ID == threadID {
			return t
		}
	}
	return nil
}

// persist writes the decision to the store and refreshes the cache snapshot.
// Store failures are logged and the locally computed state is cached so that
// later fallbacks still see this message.
func (m *Manager) persist(ctx context.Context, msg models.IncomingMessage, fingerprint string, d decision.Decision, f signals.Features) models.ThreadResolution {
	var (
		resolved *models.Thread
		saved    bool
	)
	if d.Action != models.ActionCreated {
		t := d.Thread.Clone()
		delta := applyMessage(t, msg, f)
		err := m.threads.UpdateThread(ctx, t.ID, delta)
		switch {
		case errors.Is(err, storage.ErrThreadNotFound):
			// The store is the source of truth: the thread is gone, start a new one.
			m.logger.Warn("Resolved thread vanished from store, creating a new one",
				zap.String("user_id", msg.UserID),
				zap.String("thread_id", t.ID))
			m.cache.Invalidate(msg.UserID)
			d.Action = models.ActionCreated
			d.Thread = nil
		case err != nil:
			m.logger.Error("Failed to update thread",
				zap.Error(err),
				zap.String("user_id", msg.UserID),
				zap.String("thread_id", t.ID))
			resolved = t
		default:
			resolved, saved = t, true
		}
	}

	if d.Action == models.ActionCreated {
		resolved, saved = m.create(ctx, msg, fingerprint, f)
	}

	m.refreshSnapshot(msg.UserID, resolved, saved)

	return models.ThreadResolution{
		ThreadID:   resolved.ID,
		Action:     d.Action,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		ResolvedAt: m.now(),
	}
}

// create inserts a thread for msg. saved is false when the store could not be
// written and the returned thread exists only locally.
func (m *Manager) create(ctx context.Context, msg models.IncomingMessage, fingerprint string, f signals.Features) (t *models.Thread, saved bool) {
	t = &models.Thread{
		ID:             m.newID(),
		UserID:         msg.UserID,
		Status:         models.StatusActive,
		CreatedAt:      msg.Timestamp,
		LastActivityAt: msg.Timestamp,
		MessageCount:   1,
		TopicCentroid:  append([]float32(nil), f.Embedding...),
		RecentEntities: mergeEntities(nil, f.Entities),
		RecentIntents:  appendIntent(nil, f.Intent),
		Fingerprint:    fingerprint,
	}
	stored, created, err := m.threads.CreateThread(ctx, t)
	switch {
	case err != nil:
		m.logger.Error("Failed to create thread",
			zap.Error(err),
			zap.String("user_id", msg.UserID),
			zap.String("thread_id", t.ID))
		return t, false
	case !created:
		m.logger.Warn("Thread creation deduplicated by store",
			zap.Error(ErrDuplicateCreation),
			zap.String("user_id", msg.UserID),
			zap.String("thread_id", stored.ID))
		m.metrics.RecordDuplicate()
	}
	return stored, true
}

// refreshSnapshot replaces the cached snapshot with resolved as the active
// thread and the previous active thread demoted to dormant. Without a previous
// snapshot a saved thread drops the entry so the next load reads the store;
// an unsaved one becomes the whole snapshot so later fallbacks continue it.
func (m *Manager) refreshSnapshot(userID string, resolved *models.Thread, saved bool) {
	prev, ok := m.cache.LastKnown(userID)
	if !ok {
		if saved {
			m.cache.Invalidate(userID)
			return
		}
		active := resolved.Clone()
		active.Status = models.StatusActive
		m.cache.Replace(userID, active, nil)
		return
	}
	oldActive, oldDormant := prev.Threads()

	active := resolved.Clone()
	active.Status = models.StatusActive

	dormant := make([]*models.Thread, 0, len(oldDormant)+1)
	if oldActive != nil && oldActive.ID != active.ID {
		oldActive.Status = models.StatusDormant
		dormant = append(dormant, oldActive)
	}
	for _, t := range oldDormant {
		if t.ID != active.ID {
			dormant = append(dormant, t)
		}
	}
	sort.SliceStable(dormant, func(i, j int) bool {
		return dormant[i].LastActivityAt.After(dormant[j].LastActivityAt)
	})
	m.cache.Replace(userID, active, dormant)
}

// applyMessage folds msg into t and returns the matching store delta.
func applyMessage(t *models.Thread, msg models.IncomingMessage, f signals.Features) models.ThreadDelta {
	if msg.Timestamp.After(t.LastActivityAt) {
		t.LastActivityAt = msg.Timestamp
	}
	t.MessageCount++
	if len(f.Embedding) > 0 {
		t.TopicCentroid = embeddings.Blend(t.TopicCentroid, f.Embedding, centroidKeep)
	}
	t.RecentEntities = mergeEntities(t.RecentEntities, f.Entities)
	t.RecentIntents = appendIntent(t.RecentIntents, f.Intent)

	status := models.StatusActive
	last := t.LastActivityAt
	count := t.MessageCount
	t.Status = status
	return models.ThreadDelta{
		Status:         &status,
		LastActivityAt: &last,
		MessageCount:   &count,
		TopicCentroid:  t.TopicCentroid,
		RecentEntities: t.RecentEntities,
		RecentIntents:  t.RecentIntents,
	}
}

// mergeEntities appends next to prev as a bounded set; recently mentioned
// entities move to the end and the oldest fall off.
func mergeEntities(prev, next []string) []string {
	out := make([]string, 0, len(prev)+len(next))
	fresh := make(map[string]bool, len(next))
	for _, e := range next {
		fresh[e] = true
	}
	for _, e := range prev {
		if !fresh[e] {
			out = append(out, e)
		}
	}
	seen := make(map[string]bool, len(next))
	for _, e := range next {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if len(out) > models.MaxRecentEntities {
		out = out[len(out)-models.MaxRecentEntities:]
	}
	return out
}

func appendIntent(prev []string, intent string) []string {
	out := append([]string(nil), prev...)
	if intent != "" {
		out = append(out, intent)
	}
	if len(out) > models.MaxRecentIntents {
		out = out[len(out)-models.MaxRecentIntents:]
	}
	return out
}

// profile returns the user's behavior profile, or the neutral profile when it
// cannot be loaded.
func (m *Manager) profile(ctx context.Context, userID string) models.UserBehaviorProfile {
	if p, ok := m.known.Get(userID); ok {
		return p
	}
	adjustments, err := m.profiles.GetAdjustments(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to load behavior profile",
			zap.Error(err),
			zap.String("user_id", userID))
		return models.UserBehaviorProfile{UserID: userID}
	}
	p := profile.Fold(userID, adjustments)
	m.known.Add(userID, p)
	return p
}

// Profile returns the user's current behavior profile.
func (m *Manager) Profile(ctx context.Context, userID string) models.UserBehaviorProfile {
	return m.profile(ctx, userID)
}

// RecordCorrection applies a learning step to the user's profile. It runs
// under the same per-user lock as Resolve.
func (m *Manager) RecordCorrection(ctx context.Context, userID string, c models.Correction) (models.UserBehaviorProfile, error) {
	if c.At.IsZero() {
		c.At = m.now()
	}
	return m.adjust(ctx, userID, func(current models.UserBehaviorProfile) (models.ProfileAdjustment, error) {
		return m.learner.Next(current, c)
	})
}

// SetWeights gives the user explicit signal weights; zero weights restore
// the configured defaults.
func (m *Manager) SetWeights(ctx context.Context, userID string, w models.Weights) (models.UserBehaviorProfile, error) {
	return m.adjust(ctx, userID, func(current models.UserBehaviorProfile) (models.ProfileAdjustment, error) {
		return m.learner.SetWeights(current, w, m.now())
	})
}

// adjust appends the adjustment computed by next to the user's profile log
// under the per-user lock.
func (m *Manager) adjust(ctx context.Context, userID string, next func(models.UserBehaviorProfile) (models.ProfileAdjustment, error)) (models.UserBehaviorProfile, error) {
	if userID == "" {
		return models.UserBehaviorProfile{}, fmt.Errorf("%w: missing user id", ErrInvalidMessage)
	}
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return models.UserBehaviorProfile{}, cancelled(err)
	}
	defer unlock()

	adjustments, err := m.profiles.GetAdjustments(ctx, userID)
	if err != nil {
		return models.UserBehaviorProfile{}, fmt.Errorf("load profile adjustments: %w", err)
	}
	current := profile.Fold(userID, adjustments)
	adj, err := next(current)
	if err != nil {
		return current, err
	}
	if err := m.profiles.AppendAdjustment(ctx, adj); err != nil {
		m.known.Remove(userID)
		return current, fmt.Errorf("append profile adjustment: %w", err)
	}

	updated := profile.Fold(userID, append(adjustments, adj))
	m.known.Add(userID, updated)
	m.metrics.RecordAdjustment(string(adj.Kind))
	m.logger.Info("Behavior profile adjusted",
		zap.String("user_id", userID),
		zap.String("kind", string(adj.Kind)),
		zap.Int("version", updated.Version),
		zap.Float64("continuation_bias", updated.ContinuationBias),
		zap.Duration("dormancy_tolerance", updated.DormancyTolerance),
		zap.Any("weights", updated.Weights))
	return updated, nil
}

// ListThreads returns the user's non-archived threads, most recent first.
// When the store is unavailable the last cached snapshot is returned.
func (m *Manager) ListThreads(ctx context.Context, userID string) ([]*models.Thread, error) {
	threads, err := m.threads.ListThreads(ctx, userID, listLimit)
	if err == nil {
		return threads, nil
	}
	snap, ok := m.cache.LastKnown(userID)
	if !ok {
		return nil, err
	}
	m.logger.Warn("Listing threads from cache",
		zap.Error(err),
		zap.String("user_id", userID))
	active, dormant := snap.Threads()
	if active != nil {
		threads = append(threads, active)
	}
	return append(threads, dormant...), nil
}
