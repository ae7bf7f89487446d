package policylist

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-social/vigil/policylist/countstore"
	"github.com/vigil-social/vigil/statestore"
)

func TestReconcileEndToEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()

	var all []ChangeEvent
	list.OnUpdate(func(containerID string, changes []ChangeEvent) {
		assert.Equal(TestContainerID, containerID)
		all = append(all, changes...)
	})

	// add(User, "@a")
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "spam", "@mod:vigil.test", "$v1"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	require.Len(t, changes, 1)
	assert.Equal(ChangeAdded, changes[0].Type)
	assert.Equal("@a:evil.test", changes[0].Rule.Entity)
	assert.Equal("@mod:vigil.test", changes[0].Actor)

	// modify(User, "@a", new reason)
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "spam and harassment", "@mod:vigil.test", "$v2"))
	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	require.Len(t, changes, 1)
	assert.Equal(ChangeModified, changes[0].Type)
	assert.Equal("spam and harassment", changes[0].Rule.Reason)
	require.NotNil(t, changes[0].Previous)
	assert.Equal("$v1", changes[0].Previous.RecordID)

	// soft-delete(User, "@a")
	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     "policy.rule.user",
		StateKey: "rule:@a:evil.test",
		Content:  json.RawMessage(`{}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v3",
	})
	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	require.Len(t, changes, 1)
	assert.Equal(ChangeRemoved, changes[0].Type)
	// the emitted rule is the former rule
	assert.Equal("spam and harassment", changes[0].Rule.Reason)

	// add(Room, "#b")
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.room", "#b:evil.test", "ban", "", "@mod:vigil.test", "$v4"))
	// legacy-alias add(User, "@a"): must be rejected by the authority check
	store.Insert(TestContainerID, TestRuleRecord("org.vigil.legacy.rule.user", "@a:evil.test", "ban", "resurrected", "@old-client:vigil.test", "$v5"))
	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	require.Len(t, changes, 1)
	assert.Equal(ChangeAdded, changes[0].Type)
	assert.Equal("#b:evil.test", changes[0].Rule.Entity)

	// the full observed history, in order, with no 5th event
	require.Len(t, all, 4)
	assert.Equal(ChangeAdded, all[0].Type)
	assert.Equal(ChangeModified, all[1].Type)
	assert.Equal(ChangeRemoved, all[2].Type)
	assert.Equal(ChangeAdded, all[3].Type)

	assert.Empty(list.UserRules())
	require.Len(t, list.RoomRules(), 1)
	assert.Equal("#b:evil.test", list.RoomRules()[0].Entity)
}

func TestReconcileIdempotence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.server", "evil.test", "ban", "", "@mod:vigil.test", "$v2"))

	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Len(changes, 2)

	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)
}

func TestAuthorityOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "current", "@mod:vigil.test", "$v1"))
	_, err := list.Reconcile(ctx)
	assert.NoError(err)

	// a chronologically newer record under the oldest alias must not win
	store.Insert(TestContainerID, TestRuleRecord("org.vigil.legacy.rule.user", "@a:evil.test", "ban", "stale", "@old-client:vigil.test", "$v2"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)

	rules := list.UserRules()
	if assert.Len(rules, 1) {
		assert.Equal("current", rules[0].Reason)
	}
}

func TestHardDelete(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "spam", "@mod:vigil.test", "$v1"))
	_, err := list.Reconcile(ctx)
	assert.NoError(err)

	// same record ID, now redacted
	assert.NoError(store.Redact(TestContainerID, "policy.rule.user", "rule:@a:evil.test", "@admin:vigil.test", "mistake"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	if assert.Len(changes, 1) {
		assert.Equal(ChangeRemoved, changes[0].Type)
		assert.Equal("@admin:vigil.test", changes[0].Actor)
		assert.Equal("@a:evil.test", changes[0].Rule.Entity)
	}
	assert.Empty(list.UserRules())

	// redaction already applied: nothing further to report
	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)
}

func TestInvalidToInvalid(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     "policy.rule.user",
		StateKey: "rule:@x:evil.test",
		Content:  json.RawMessage(`{}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v1",
	})
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)

	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     "policy.rule.user",
		StateKey: "rule:@x:evil.test",
		Content:  json.RawMessage(`{}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v2",
	})
	changes, err = list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)
}

func TestBanOnlyAccessors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@b:odd.test", "advisory", "", "@mod:vigil.test", "$v2"))
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.server", "odd.test", "watchlist", "", "@mod:vigil.test", "$v3"))

	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	// valid non-ban rules still produce change events...
	assert.Len(changes, 3)

	// ...but never surface through the rule accessors
	for _, k := range AllKinds() {
		for _, rule := range list.RulesOf(k) {
			assert.Equal(RecommendationBan, rule.Recommendation)
		}
	}
	assert.Len(list.UserRules(), 1)
	assert.Empty(list.ServerRules())
	assert.Len(list.AllRules(), 1)
}

func TestUnknownTypesSkipped(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     "container.topic",
		StateKey: "",
		Content:  json.RawMessage(`{"topic":"bans"}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v1",
	})
	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     "some.other.thing",
		StateKey: "whatever",
		Content:  json.RawMessage(`{"entity":"@a:evil.test","recommendation":"ban"}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v2",
	})
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Empty(changes)
	assert.Empty(list.AllRules())
}

func TestReconcileFetchFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.FetchErr = fmt.Errorf("store is down")
	_, err := list.Reconcile(ctx)
	assert.Error(err)

	store.FetchErr = nil
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Len(changes, 1)
}

func TestShortcode(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.Insert(TestContainerID, statestore.StateRecord{
		Type:     ShortcodeType,
		StateKey: "",
		Content:  json.RawMessage(`{"shortcode":"spam-bans"}`),
		Sender:   "@mod:vigil.test",
		RecordID: "$v1",
	})
	_, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Equal("spam-bans", list.Shortcode())

	list.SetShortcode(ctx, "bans")
	assert.Equal("bans", list.Shortcode())
	require.Eventually(t, func() bool {
		content, err := store.FetchStateRecord(ctx, TestContainerID, ShortcodeType, "")
		if err != nil {
			return false
		}
		var sc struct {
			Shortcode string `json:"shortcode"`
		}
		if err := json.Unmarshal(content, &sc); err != nil {
			return false
		}
		return sc.Shortcode == "bans"
	}, time.Second, 10*time.Millisecond)
}

func TestShortcodeRollback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	list.SetShortcode(ctx, "first")
	require.Eventually(t, func() bool {
		_, err := store.FetchStateRecord(ctx, TestContainerID, ShortcodeType, "")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	store.PutErr = fmt.Errorf("write rejected")
	list.SetShortcode(ctx, "doomed")
	assert.Equal("doomed", list.Shortcode())
	require.Eventually(t, func() bool {
		return list.Shortcode() == "first"
	}, time.Second, 10*time.Millisecond)
}

func TestShortcodeRollbackSuperseded(t *testing.T) {
	ctx := context.Background()

	list, store := ListTestFixture()
	store.PutErr = fmt.Errorf("write rejected")
	list.SetShortcode(ctx, "doomed")
	// a newer local write supersedes the failed one; the rollback must not
	// clobber it
	list.SetShortcode(ctx, "newer")
	assert.Never(t, func() bool {
		return list.Shortcode() != "newer" && list.Shortcode() != "doomed"
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestBanEntity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, _ := ListTestFixture()
	assert.NoError(list.BanEntity(ctx, KindServer, "evil.test", "raid source"))

	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	if assert.Len(changes, 1) {
		assert.Equal(ChangeAdded, changes[0].Type)
		assert.Equal("evil.test", changes[0].Rule.Entity)
		assert.Equal("raid source", changes[0].Rule.Reason)
	}
	assert.Len(list.ServerRules(), 1)
}

func TestUnbanEntity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	// the same entity is banned under both the current type and a legacy
	// alias, as happens in long-lived containers
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	store.Insert(TestContainerID, TestRuleRecord("org.vigil.legacy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v2"))

	cleared, err := list.UnbanEntity(ctx, KindUser, "@a:evil.test")
	assert.NoError(err)
	assert.True(cleared)

	for _, typ := range []string{"policy.rule.user", "org.vigil.legacy.rule.user"} {
		content, err := store.FetchStateRecord(ctx, TestContainerID, typ, "rule:@a:evil.test")
		assert.NoError(err)
		assert.JSONEq(`{}`, string(content))
	}

	// nothing left to clear
	cleared, err = list.UnbanEntity(ctx, KindUser, "@a:evil.test")
	assert.NoError(err)
	assert.False(cleared)
}

func TestListenerPanicIsolated(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	list.OnUpdate(func(containerID string, changes []ChangeEvent) {
		panic("broken listener")
	})
	var got int
	list.OnUpdate(func(containerID string, changes []ChangeEvent) {
		got += len(changes)
	})

	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	assert.Len(changes, 1)
	// the panic in the first listener must not starve the second
	assert.Equal(1, got)
}

// fails the first Increment call, then behaves normally
type flakyCountStore struct {
	inner countstore.CountStore
	calls int
}

func (f *flakyCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	return f.inner.GetCount(ctx, name, val, period)
}

func (f *flakyCountStore) Increment(ctx context.Context, name, val string) error {
	f.calls++
	if f.calls == 1 {
		return fmt.Errorf("transient counter failure")
	}
	return f.inner.Increment(ctx, name, val)
}

func (f *flakyCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	return f.inner.GetCountDistinct(ctx, name, bucket, period)
}

func (f *flakyCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	return f.inner.IncrementDistinct(ctx, name, bucket, val)
}

func TestCounterFailureDoesNotDropLaterCounts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	counters := &flakyCountStore{inner: countstore.NewMemCountStore()}
	list.Counters = counters

	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@a:evil.test", "ban", "", "@mod:vigil.test", "$v1"))
	store.Insert(TestContainerID, TestRuleRecord("policy.rule.user", "@b:evil.test", "ban", "", "@mod:vigil.test", "$v2"))
	changes, err := list.Reconcile(ctx)
	assert.NoError(err)
	require.Len(t, changes, 2)

	// the first change's count was lost to the failure; the second change's
	// count and both distinct-entity counts still landed
	n, err := counters.GetCount(ctx, "policylist/change", string(ChangeAdded), countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, n)
	d, err := counters.GetCountDistinct(ctx, "policylist/entity", string(KindUser), countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(2, d)
}

func TestUnbanEntityFetchFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	list, store := ListTestFixture()
	store.FetchErr = fmt.Errorf("store is down")
	_, err := list.UnbanEntity(ctx, KindUser, "@a:evil.test")
	assert.Error(err)
}
