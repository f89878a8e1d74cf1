package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
)

type machineFixture struct {
	clock    *clock.Fake
	profiles *MockProfileStore
	sink     *MockSink
	notifier *MockNotifier
	m        *Machine
}

func newMachineFixture(t *testing.T, city string, opts ...Option) *machineFixture {
	t.Helper()
	f := &machineFixture{
		clock:    clock.NewFake(start),
		profiles: &MockProfileStore{City: city},
		sink:     &MockSink{},
		notifier: &MockNotifier{},
	}
	opts = append([]Option{WithClock(f.clock), WithNotifier(f.notifier)}, opts...)
	f.m = NewMachine(f.profiles, f.sink, opts...)
	t.Cleanup(f.m.Stop)
	return f
}

func (f *machineFixture) kind() models.PromptKind { return f.m.Prompt().Kind }

func TestMachineScenario(t *testing.T) {
	f := newMachineFixture(t, "Tel Aviv - Yafo")
	ctx := context.Background()

	if !f.m.HandleAlert(ctx, alertA) {
		t.Fatal("relevant alert was not accepted")
	}
	if f.kind() != models.PromptShelter {
		t.Fatalf("prompt = %s, want shelter", f.kind())
	}

	if err := f.m.RespondShelter(ctx); err != nil {
		t.Fatalf("RespondShelter: %v", err)
	}
	if f.kind() != models.PromptIdle {
		t.Errorf("prompt = %s after respondShelter", f.kind())
	}
	if got := f.profiles.StatusRequests(); len(got) != 1 || got[0] != models.StatusInShelter {
		t.Errorf("status requests %v", got)
	}
	if _, pending := f.m.PendingFollowUp(); !pending {
		t.Fatal("respondShelter cancelled the follow-up")
	}

	f.clock.Advance(10 * time.Minute)
	if f.kind() != models.PromptSafetyCheck {
		t.Fatalf("prompt = %s after 10 minutes, want safety_check", f.kind())
	}

	if err := f.m.RespondSafe(ctx); err != nil {
		t.Fatalf("RespondSafe: %v", err)
	}
	if f.kind() != models.PromptIdle {
		t.Errorf("prompt = %s after respondSafe", f.kind())
	}
	want := []models.UserStatus{models.StatusInShelter, models.StatusSafe}
	if got := f.profiles.StatusRequests(); len(got) != 2 || got[1] != want[1] {
		t.Errorf("status requests %v, want %v", got, want)
	}
	if titles := f.notifier.Titles(); len(titles) != 2 || titles[0] != ShelterTitle || titles[1] != SafetyCheckTitle {
		t.Errorf("notifications %v", titles)
	}
}

func TestMachineTimerFiresAfterExactDelay(t *testing.T) {
	f := newMachineFixture(t, "Holon", WithFollowUpDelay(7*time.Minute))
	f.m.HandleAlert(context.Background(), alertA)

	f.clock.Advance(7*time.Minute - time.Nanosecond)
	if f.kind() != models.PromptShelter {
		t.Fatalf("follow-up fired early: %s", f.kind())
	}
	f.clock.Advance(time.Nanosecond)
	if f.kind() != models.PromptSafetyCheck {
		t.Fatalf("follow-up did not fire at the delay: %s", f.kind())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers left after follow-up", f.clock.Pending())
	}
}

func TestMachineDuplicateDoesNotResetTimer(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)

	f.clock.Advance(6 * time.Minute)
	if f.m.HandleAlert(ctx, models.BroadcastAlert{Areas: []string{"Holon", "Tel Aviv - Yafo"}, Category: "other"}) {
		t.Fatal("duplicate identity accepted")
	}
	if n := len(f.sink.ShownKinds()); n != 1 {
		t.Errorf("duplicate showed a prompt: %d shown", n)
	}

	f.clock.Advance(4 * time.Minute)
	if f.kind() != models.PromptSafetyCheck {
		t.Errorf("timer was reset by the duplicate: %s", f.kind())
	}
}

func TestMachineRestartCancelsOldTimer(t *testing.T) {
	f := newMachineFixture(t, "Tel Aviv - Yafo")
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)
	f.clock.Advance(5 * time.Minute)

	if !f.m.HandleAlert(ctx, alertB) {
		t.Fatal("different alert not accepted")
	}
	if s := f.m.State(); s.Alert.Title != "hostile aircraft" || s.Cycle != 2 {
		t.Fatalf("unexpected state %+v", s)
	}
	if f.clock.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1", f.clock.Pending())
	}

	// A's timer would have fired here.
	f.clock.Advance(5 * time.Minute)
	if f.kind() != models.PromptShelter {
		t.Fatalf("old timer fired: %s", f.kind())
	}
	f.clock.Advance(5 * time.Minute)
	if f.kind() != models.PromptSafetyCheck {
		t.Fatalf("new timer did not fire: %s", f.kind())
	}
}

func TestMachineRespondSafeCancelsTimer(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)
	f.m.RespondSafe(ctx)

	if _, pending := f.m.PendingFollowUp(); pending {
		t.Error("follow-up still pending after respondSafe")
	}
	if f.clock.Pending() != 0 {
		t.Errorf("clock still holds %d timers", f.clock.Pending())
	}
	f.clock.Advance(time.Hour)
	for _, k := range f.sink.ShownKinds() {
		if k == models.PromptSafetyCheck {
			t.Fatal("safety check shown after respondSafe")
		}
	}
}

func TestMachineDismissKeepsTimer(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)
	if err := f.m.Dismiss(ctx); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if len(f.profiles.StatusRequests()) != 0 {
		t.Error("dismiss requested a status")
	}
	f.clock.Advance(10 * time.Minute)
	if f.kind() != models.PromptSafetyCheck {
		t.Errorf("prompt = %s, want safety_check", f.kind())
	}
	f.m.Dismiss(ctx)
	if f.kind() != models.PromptIdle || len(f.profiles.StatusRequests()) != 0 {
		t.Error("dismissing the safety check should only hide it")
	}
}

func TestMachineIgnoresIrrelevantAlerts(t *testing.T) {
	f := newMachineFixture(t, "Tel Aviv")
	ctx := context.Background()

	if f.m.HandleAlert(ctx, models.BroadcastAlert{Areas: []string{"Haifa"}}) {
		t.Error("alert for another city accepted")
	}
	if f.m.HandleAlert(ctx, models.BroadcastAlert{Areas: []string{}}) {
		t.Error("alert without areas accepted")
	}
	if !f.m.HandleAlert(ctx, models.BroadcastAlert{Areas: []string{"Tel Aviv - Yafo"}}) {
		t.Error("alert containing the city rejected")
	}

	noCity := newMachineFixture(t, "")
	if noCity.m.HandleAlert(ctx, alertA) {
		t.Error("alert accepted without a registered city")
	}

	failing := newMachineFixture(t, "Holon")
	failing.profiles.GetCityFn = func() (string, error) { return "", errors.New("profile service down") }
	if failing.m.HandleAlert(ctx, alertA) {
		t.Error("alert accepted although the city lookup failed")
	}
}

func TestMachineRespondWithoutPrompt(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	if err := f.m.RespondSafe(context.Background()); !errors.Is(err, ErrNoActivePrompt) {
		t.Errorf("RespondSafe while idle: %v", err)
	}
	if err := f.m.Respond(context.Background(), "maybe"); !errors.Is(err, models.ErrUnknownAction) {
		t.Errorf("unknown action: %v", err)
	}
	if len(f.profiles.StatusRequests()) != 0 {
		t.Error("status requested without a prompt")
	}
}

func TestMachineStatusFailureIsNotRolledBack(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	f.profiles.SetErr = errors.New("write rejected")
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)

	if err := f.m.RespondShelter(ctx); err != nil {
		t.Fatalf("RespondShelter: %v", err)
	}
	if f.kind() != models.PromptIdle {
		t.Errorf("prompt = %s, transition was rolled back", f.kind())
	}
	f.sink.mu.Lock()
	notices := len(f.sink.Notices)
	f.sink.mu.Unlock()
	if notices != 1 {
		t.Errorf("notices = %d, want 1", notices)
	}
}

func TestMachineNotificationFailureIsIgnored(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	f.notifier.Err = errors.New("permission denied")
	if !f.m.HandleAlert(context.Background(), alertA) {
		t.Fatal("alert rejected")
	}
	if f.kind() != models.PromptShelter {
		t.Errorf("prompt = %s", f.kind())
	}
}

func TestMachinePersistsAndRestores(t *testing.T) {
	st := store.NewInMemoryStore()
	sm := NewStoreBasedStateManager(st, "me")
	f := newMachineFixture(t, "Holon", WithStateManager(sm))
	ctx := context.Background()
	f.m.HandleAlert(ctx, alertA)
	f.clock.Advance(4 * time.Minute)
	f.m.Stop()

	snap, err := st.GetPromptSnapshot("me")
	if err != nil || snap == nil || snap.Kind != models.PromptShelter || !snap.FollowUpPending {
		t.Fatalf("snapshot not saved: %+v %v", snap, err)
	}

	// A new process resumes with six minutes left on the follow-up.
	clk := clock.NewFake(f.clock.Now())
	sink := &MockSink{}
	m2 := NewMachine(&MockProfileStore{City: "Holon"}, sink, WithClock(clk), WithStateManager(sm))
	defer m2.Stop()
	if err := m2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if kinds := sink.ShownKinds(); len(kinds) != 1 || kinds[0] != models.PromptShelter {
		t.Fatalf("restored prompt not shown: %v", kinds)
	}
	if m2.HandleAlert(ctx, alertA) {
		t.Error("restored identity not deduplicated")
	}
	if info, ok := m2.FollowUpTimer(); !ok || !info.ExpiresAt.Equal(start.Add(10*time.Minute)) {
		t.Errorf("restored follow-up timer %+v %v, want expiry at the saved due time", info, ok)
	}
	clk.Advance(6*time.Minute - time.Second)
	if m2.Prompt().Kind != models.PromptShelter {
		t.Fatal("restored follow-up fired early")
	}
	clk.Advance(time.Second)
	if m2.Prompt().Kind != models.PromptSafetyCheck {
		t.Fatalf("restored follow-up did not fire: %s", m2.Prompt().Kind)
	}
}

func TestMachineRestoreOverdueFollowUp(t *testing.T) {
	sm := NewMockStateManager()
	snapState, _ := Transition(IdleState(), AlertReceived{Alert: alertA, At: start}, DefaultConfig())
	if err := sm.SaveState(context.Background(), snapState, start); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	clk := clock.NewFake(start.Add(time.Hour))
	m := NewMachine(&MockProfileStore{City: "Holon"}, &MockSink{}, WithClock(clk), WithStateManager(sm))
	defer m.Stop()
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	clk.Advance(0)
	if m.Prompt().Kind != models.PromptSafetyCheck {
		t.Errorf("overdue follow-up not fired on restore: %s", m.Prompt().Kind)
	}
}

func TestMachineStopReleasesFollowUpTimer(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	f.m.HandleAlert(context.Background(), alertA)

	info, ok := f.m.FollowUpTimer()
	if !ok || !info.ExpiresAt.Equal(start.Add(10*time.Minute)) || info.Remaining != "10m0s" {
		t.Fatalf("follow-up timer %+v %v", info, ok)
	}

	f.m.Stop()
	if f.clock.Pending() != 0 {
		t.Errorf("%d clock timers left after Stop", f.clock.Pending())
	}
	if _, ok := f.m.FollowUpTimer(); ok {
		t.Error("follow-up timer still reported after Stop")
	}
	f.clock.Advance(time.Hour)
	if f.kind() != models.PromptShelter {
		t.Errorf("prompt changed to %s after Stop", f.kind())
	}
}

func TestMachineSerializesConcurrentEvents(t *testing.T) {
	f := newMachineFixture(t, "Holon")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.m.HandleAlert(ctx, alertA)
		}()
		go func() {
			defer wg.Done()
			f.m.RespondShelter(ctx)
		}()
	}
	wg.Wait()

	// Only one cycle ever started and at most one timer is outstanding.
	if s := f.m.State(); s.Cycle != 1 {
		t.Errorf("cycle = %d, want 1", s.Cycle)
	}
	if f.clock.Pending() > 1 {
		t.Errorf("pending timers = %d", f.clock.Pending())
	}
}
