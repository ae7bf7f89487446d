package policylist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-social/vigil/policylist/countstore"
	"github.com/vigil-social/vigil/statestore"
)

// List owns the reconciled state of one policy container. Reconcile is not
// safe to run concurrently with itself on the same List; callers must
// serialize passes (the warden daemon does this with a single trigger loop).
// Accessors are safe to call concurrently with a running pass.
type List struct {
	Logger      *slog.Logger
	Store       statestore.Store
	ContainerID string
	// Counters, if set, receives per-change counts after each pass (optional).
	Counters countstore.CountStore

	mu           sync.RWMutex
	table        map[RuleKind]map[string]*PolicyRecord
	shortcode    string
	shortcodeSeq uint64
	listeners    []UpdateListener
}

func NewList(store statestore.Store, containerID string, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[RuleKind]map[string]*PolicyRecord, len(AllKinds()))
	for _, k := range AllKinds() {
		table[k] = make(map[string]*PolicyRecord)
	}
	return &List{
		Logger:      logger.With("container", containerID),
		Store:       store,
		ContainerID: containerID,
		table:       table,
	}
}

// OnUpdate registers a listener for reconciliation diffs. Not safe to call
// concurrently with Reconcile.
func (l *List) OnUpdate(fn UpdateListener) {
	l.listeners = append(l.listeners, fn)
}

// Reconcile fetches the container's complete current record set and folds it
// into the state table, returning the ordered diff. A fetch failure aborts
// the pass without rolling back records already applied; re-running against
// unchanged remote state yields an empty diff, so retrying is safe.
func (l *List) Reconcile(ctx context.Context) ([]ChangeEvent, error) {
	start := time.Now()
	recs, err := l.Store.FetchContainerState(ctx, l.ContainerID)
	if err != nil {
		reconcileErrorCount.Inc()
		return nil, fmt.Errorf("fetching container state: %w", err)
	}

	l.mu.Lock()
	changes := []ChangeEvent{}
	for _, sr := range recs {
		if ch := l.applyRecord(sr); ch != nil {
			changes = append(changes, *ch)
		}
	}
	l.mu.Unlock()

	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcilePassCount.Inc()
	for _, ch := range changes {
		ruleChangeCount.WithLabelValues(string(ch.Type)).Inc()
	}
	l.persistCounters(ctx, changes)
	l.emitUpdate(changes)
	return changes, nil
}

// caller must hold l.mu. Returns the change to emit for this record, or nil.
func (l *List) applyRecord(sr statestore.StateRecord) *ChangeEvent {
	// container-level shortcode marker
	if sr.Type == ShortcodeType && sr.StateKey == "" {
		var sc struct {
			Shortcode string `json:"shortcode"`
		}
		if err := json.Unmarshal(sr.Content, &sc); err == nil {
			l.shortcode = sc.Shortcode
			l.shortcodeSeq++
		}
		return nil
	}
	if sr.StateKey == "" {
		return nil
	}
	kind, ok := KindForType(sr.Type)
	if !ok {
		return nil
	}

	rec := newPolicyRecord(kind, sr)
	prev := l.table[kind][sr.StateKey]

	if prev != nil && typeAuthority(kind, sr.Type) > typeAuthority(kind, prev.Type) {
		// a deprecated alias must never clobber a more current record, even
		// if the store served it later in the stream
		l.Logger.Warn("discarding policy record with lower-authority type",
			"type", sr.Type, "previousType", prev.Type, "stateKey", sr.StateKey, "recordId", sr.RecordID)
		authorityConflictCount.Inc()
		return nil
	}

	// store unconditionally: even a record describing a removal has to be
	// cached so future authority checks can run against it
	l.table[kind][sr.StateKey] = rec

	if prev == nil {
		if rec.rule == nil {
			return nil
		}
		return &ChangeEvent{Type: ChangeAdded, Record: rec, Actor: rec.Author, Rule: *rec.rule}
	}

	if prev.RecordID == rec.RecordID {
		if rec.Redaction != nil && prev.Redaction == nil {
			// hard delete: the same version resurfaced with redaction info
			return l.removalEvent(rec, prev)
		}
		// same version, nothing new
		return nil
	}

	if rec.IsEmpty() {
		// soft delete: a fresh version with cleared content
		return l.removalEvent(rec, prev)
	}

	if rec.rule == nil {
		// stored for authority bookkeeping, but not a rule; nothing to emit
		return nil
	}
	return &ChangeEvent{Type: ChangeModified, Record: rec, Previous: prev, Actor: rec.Author, Rule: *rec.rule}
}

// A removal only means something if there was a valid rule to remove.
func (l *List) removalEvent(rec, prev *PolicyRecord) *ChangeEvent {
	if prev.rule == nil {
		return nil
	}
	actor := rec.Author
	if rec.Redaction != nil {
		actor = rec.Redaction.Sender
	}
	return &ChangeEvent{Type: ChangeRemoved, Record: rec, Previous: prev, Actor: actor, Rule: *prev.rule}
}

func (l *List) emitUpdate(changes []ChangeEvent) {
	if len(changes) == 0 {
		return
	}
	for _, fn := range l.listeners {
		l.dispatch(fn, changes)
	}
}

// recover listener panics per invocation, the way an HTTP server would; a
// broken listener must not poison the reconcile loop or starve the
// listeners registered after it
func (l *List) dispatch(fn UpdateListener, changes []ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.Logger.Error("policy list update listener panicked", "err", r)
		}
	}()
	fn(l.ContainerID, changes)
}

func (l *List) persistCounters(ctx context.Context, changes []ChangeEvent) {
	if l.Counters == nil || len(changes) == 0 {
		return
	}
	// counts are advisory; a failed increment must not drop the counts for
	// the rest of the diff
	for _, ch := range changes {
		if err := l.Counters.Increment(ctx, "policylist/change", string(ch.Type)); err != nil {
			l.Logger.Warn("failed to increment change counter", "err", err)
		}
		if err := l.Counters.IncrementDistinct(ctx, "policylist/entity", string(ch.Rule.Kind), ch.Rule.Entity); err != nil {
			l.Logger.Warn("failed to increment entity counter", "err", err)
		}
	}
}

// AllRules returns every active ban rule across all kinds.
func (l *List) AllRules() []PolicyRule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []PolicyRule
	for _, k := range AllKinds() {
		out = append(out, l.rulesOfLocked(k)...)
	}
	return out
}

// RulesOf returns the active ban rules for one kind. Rules with any other
// recommendation are never surfaced, so enforcement consumers cannot act on
// an advisory record as if it were a ban.
func (l *List) RulesOf(kind RuleKind) []PolicyRule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rulesOfLocked(kind)
}

func (l *List) UserRules() []PolicyRule   { return l.RulesOf(KindUser) }
func (l *List) RoomRules() []PolicyRule   { return l.RulesOf(KindRoom) }
func (l *List) ServerRules() []PolicyRule { return l.RulesOf(KindServer) }

// caller must hold l.mu
func (l *List) rulesOfLocked(kind RuleKind) []PolicyRule {
	out := []PolicyRule{}
	for _, rec := range l.table[kind] {
		if rec.rule != nil && rec.rule.IsBan() {
			out = append(out, *rec.rule)
		}
	}
	return out
}

// Shortcode returns the list's human-readable shortcode, if one is set.
func (l *List) Shortcode() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shortcode
}

// SetShortcode optimistically applies the new shortcode locally and writes
// it to the store in the background. If the write fails, the local value is
// rolled back unless a newer local set has superseded it in the meantime;
// the failure itself is only logged.
func (l *List) SetShortcode(ctx context.Context, shortcode string) {
	l.mu.Lock()
	prev := l.shortcode
	l.shortcode = shortcode
	l.shortcodeSeq++
	seq := l.shortcodeSeq
	l.mu.Unlock()

	go func() {
		content := map[string]string{"shortcode": shortcode}
		if _, err := l.Store.PutStateRecord(ctx, l.ContainerID, ShortcodeType, "", content); err != nil {
			l.Logger.Error("failed to persist list shortcode", "shortcode", shortcode, "err", err)
			l.mu.Lock()
			if l.shortcodeSeq == seq {
				l.shortcode = prev
			}
			l.mu.Unlock()
		}
	}()
}

// BanEntity writes a ban rule for the entity under the kind's
// current-standard type. The new rule surfaces through accessors after the
// next reconciliation pass.
func (l *List) BanEntity(ctx context.Context, kind RuleKind, entity, reason string) error {
	content := RuleContent{
		Entity:         &entity,
		Recommendation: ptr(RecommendationBan),
	}
	if reason != "" {
		content.Reason = &reason
	}
	_, err := l.Store.PutStateRecord(ctx, l.ContainerID, kind.CurrentType(), ruleStateKey(entity), content)
	if err != nil {
		return fmt.Errorf("writing ban rule: %w", err)
	}
	return nil
}

// UnbanEntity clears every record the store currently holds for the entity
// under any of the kind's alias types, and reports whether any clearing
// write was issued. Lookups go to the store, not the local cache: the cache
// is keyed by normalized kind and cannot say which alias types hold records.
func (l *List) UnbanEntity(ctx context.Context, kind RuleKind, entity string) (bool, error) {
	stateKey := ruleStateKey(entity)
	types := kind.AliasTypes()

	// point lookups are independent; run them concurrently
	present := make([]bool, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range types {
		g.Go(func() error {
			content, err := l.Store.FetchStateRecord(gctx, l.ContainerID, typ, stateKey)
			if err != nil {
				if statestore.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("checking %s for existing rule: %w", typ, err)
			}
			present[i] = !isEmptyContent(content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	cleared := false
	g, gctx = errgroup.WithContext(ctx)
	for i, typ := range types {
		if !present[i] {
			continue
		}
		cleared = true
		g.Go(func() error {
			if _, err := l.Store.PutStateRecord(gctx, l.ContainerID, typ, stateKey, map[string]any{}); err != nil {
				return fmt.Errorf("clearing rule under %s: %w", typ, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return cleared, nil
}

func ruleStateKey(entity string) string {
	return "rule:" + entity
}

func ptr[T any](v T) *T {
	return &v
}
