package clinical

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db/dbtest"
)

// =========== Mock Repositories ===========

type mockObservationRepo struct {
	mu        sync.Mutex
	store     map[uuid.UUID]Observation
	createErr error
}

func newMockObservationRepo() *mockObservationRepo {
	return &mockObservationRepo{store: make(map[uuid.UUID]Observation)}
}

func (m *mockObservationRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[uuid.UUID]Observation, len(m.store))
	for k, v := range m.store {
		saved[k] = v
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.store = saved
	}
}

func (m *mockObservationRepo) Create(_ context.Context, o *Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	root := o.ChainRoot(o.ID)
	for _, existing := range m.store {
		if existing.IsLatest && existing.ChainRoot(existing.ID) == root {
			return apperr.Conflict("observation chain already has a newer version")
		}
	}
	m.store[o.ID] = *o
	return nil
}

func (m *mockObservationRepo) GetByID(_ context.Context, id uuid.UUID) (*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("observation %s not found", id)
	}
	return &o, nil
}

func (m *mockObservationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Observation, error) {
	return m.GetByID(ctx, id)
}

func (m *mockObservationRepo) MarkSuperseded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok || !o.IsLatest {
		return apperr.Conflict("observation %s is not the latest version", id)
	}
	o.IsLatest = false
	m.store[id] = o
	return nil
}

func (m *mockObservationRepo) ListLatest(_ context.Context, patientID uuid.UUID, f ObservationFilter, limit, offset int) ([]*Observation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Observation
	for _, o := range m.store {
		if o.PatientID != patientID || !o.IsLatest {
			continue
		}
		if f.Category != "" && (o.Category == nil || *o.Category != f.Category) {
			continue
		}
		if f.CodeValue != "" && o.CodeValue != f.CodeValue {
			continue
		}
		if f.EncounterID != nil && (o.EncounterID == nil || *o.EncounterID != *f.EncounterID) {
			continue
		}
		obs := o
		items = append(items, &obs)
	}
	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *mockObservationRepo) ListVersions(_ context.Context, rootID uuid.UUID) ([]*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Observation
	for _, o := range m.store {
		if o.ChainRoot(o.ID) == rootID {
			obs := o
			items = append(items, &obs)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

func (m *mockObservationRepo) latestCount(rootID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.store {
		if o.IsLatest && o.ChainRoot(o.ID) == rootID {
			n++
		}
	}
	return n
}

type mockConditionRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]Condition
}

func newMockConditionRepo() *mockConditionRepo {
	return &mockConditionRepo{store: make(map[uuid.UUID]Condition)}
}

func (m *mockConditionRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[uuid.UUID]Condition, len(m.store))
	for k, v := range m.store {
		saved[k] = v
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.store = saved
	}
}

func (m *mockConditionRepo) Create(_ context.Context, c *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := c.ChainRoot(c.ID)
	for _, existing := range m.store {
		if existing.IsLatest && existing.ChainRoot(existing.ID) == root {
			return apperr.Conflict("condition chain already has a newer version")
		}
	}
	m.store[c.ID] = *c
	return nil
}

func (m *mockConditionRepo) GetByID(_ context.Context, id uuid.UUID) (*Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("condition %s not found", id)
	}
	return &c, nil
}

func (m *mockConditionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return m.GetByID(ctx, id)
}

func (m *mockConditionRepo) MarkSuperseded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok || !c.IsLatest {
		return apperr.Conflict("condition %s is not the latest version", id)
	}
	c.IsLatest = false
	m.store[id] = c
	return nil
}

func (m *mockConditionRepo) ListLatest(_ context.Context, patientID uuid.UUID, f ConditionFilter, limit, offset int) ([]*Condition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Condition
	for _, c := range m.store {
		if c.PatientID != patientID || !c.IsLatest {
			continue
		}
		if f.ClinicalStatus != "" && c.ClinicalStatus != f.ClinicalStatus {
			continue
		}
		cond := c
		items = append(items, &cond)
	}
	return items, len(items), nil
}

func (m *mockConditionRepo) ListVersions(_ context.Context, rootID uuid.UUID) ([]*Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Condition
	for _, c := range m.store {
		if c.ChainRoot(c.ID) == rootID {
			cond := c
			items = append(items, &cond)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

type mockLocks struct {
	mu        sync.Mutex
	encounter map[uuid.UUID]bool
}

func (m *mockLocks) add(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounter[id] = false
}

func (m *mockLocks) lock(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounter[id] = true
}

func (m *mockLocks) IsLocked(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked, ok := m.encounter[id]
	if !ok {
		return false, apperr.NotFound("encounter %s not found", id)
	}
	return locked, nil
}

type recordingAppender struct {
	mu     sync.Mutex
	events []domainevent.AppendInput
}

func (r *recordingAppender) Append(_ context.Context, in domainevent.AppendInput) (*domainevent.DomainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, in)
	return &domainevent.DomainEvent{ID: uuid.New(), EventType: in.EventType}, nil
}

func (r *recordingAppender) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// =========== Fixture ===========

var (
	author   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	amender  = uuid.MustParse("6f1c2a4e-8d3b-4c5a-9e7f-0a1b2c3d4e5f")
	heartCat = "vital-signs"
)

type fixture struct {
	svc    *Service
	obs    *mockObservationRepo
	cond   *mockConditionRepo
	locks  *mockLocks
	tx     *dbtest.Transactor
	events *recordingAppender
}

func newFixture() *fixture {
	f := &fixture{
		obs:    newMockObservationRepo(),
		cond:   newMockConditionRepo(),
		locks:  &mockLocks{encounter: make(map[uuid.UUID]bool)},
		events: &recordingAppender{},
	}
	f.tx = dbtest.NewTransactor(f.obs, f.cond)
	f.svc = NewService(f.obs, f.cond, f.locks, f.tx)
	f.svc.SetEventRecorder(f.events)
	f.svc.SetClock(func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) })
	return f
}

func float(v float64) *float64 { return &v }
func str(s string) *string       { return &s }

func (f *fixture) heartRate(t *testing.T, encounterID *uuid.UUID) *Observation {
	t.Helper()
	o := &Observation{
		PatientID:     uuid.New(),
		EncounterID:   encounterID,
		Category:      str(heartCat),
		CodeSystem:    str("http://loinc.org"),
		CodeValue:     "8867-4",
		CodeDisplay:   str("Heart rate"),
		ValueQuantity: float(80),
		ValueUnit:     str("/min"),
	}
	if err := f.svc.AddObservation(context.Background(), o, author); err != nil {
		t.Fatalf("add observation: %v", err)
	}
	return o
}

// =========== Observation Tests ===========

func TestAddObservation_FirstVersion(t *testing.T) {
	f := newFixture()
	o := f.heartRate(t, nil)

	if o.Version != 1 || !o.IsLatest {
		t.Errorf("expected version 1 latest, got %d latest=%v", o.Version, o.IsLatest)
	}
	if o.PreviousVersionID != nil {
		t.Error("expected no previous version")
	}
	if o.RootVersionID == nil || *o.RootVersionID != o.ID {
		t.Error("expected root to be the record itself")
	}
	if o.Status != StatusFinal || o.CreatedByID != author {
		t.Errorf("unexpected status %s or author %s", o.Status, o.CreatedByID)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != "Observation.Recorded" {
		t.Errorf("expected Recorded event, got %v", got)
	}
}

func TestAddObservation_Validation(t *testing.T) {
	f := newFixture()
	tests := map[string]*Observation{
		"missing patient": {CodeValue: "8867-4"},
		"missing code":    {PatientID: uuid.New()},
		"bad status":      {PatientID: uuid.New(), CodeValue: "8867-4", Status: "FINAL"},
		"amended status":  {PatientID: uuid.New(), CodeValue: "8867-4", Status: StatusAmended},
	}
	for name, o := range tests {
		t.Run(name, func(t *testing.T) {
			if err := f.svc.AddObservation(context.Background(), o, author); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAddObservation_UnknownEncounter(t *testing.T) {
	f := newFixture()
	enc := uuid.New()
	o := &Observation{PatientID: uuid.New(), CodeValue: "8867-4", EncounterID: &enc}
	if err := f.svc.AddObservation(context.Background(), o, author); !errors.Is(err, apperr.ErrReference) {
		t.Errorf("expected reference error, got %v", err)
	}
}

func TestAmendObservation_HeartRateScenario(t *testing.T) {
	f := newFixture()
	v1 := f.heartRate(t, nil)

	v2, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(120)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v2.ID == v1.ID {
		t.Fatal("expected a new record, not an in-place update")
	}
	if v2.Version != 2 || !v2.IsLatest || v2.Status != StatusAmended {
		t.Errorf("unexpected v2: version=%d latest=%v status=%s", v2.Version, v2.IsLatest, v2.Status)
	}
	if v2.PreviousVersionID == nil || *v2.PreviousVersionID != v1.ID {
		t.Error("expected previous version to point at v1")
	}
	if v2.RootVersionID == nil || *v2.RootVersionID != v1.ID {
		t.Error("expected root to stay v1")
	}
	if *v2.ValueQuantity != 120 || v2.CodeValue != "8867-4" || *v2.ValueUnit != "/min" {
		t.Errorf("expected override applied and other fields carried forward, got %+v", v2)
	}
	if v2.CreatedByID != amender {
		t.Errorf("expected amending user as author, got %s", v2.CreatedByID)
	}

	old, _ := f.svc.GetObservation(context.Background(), v1.ID)
	if old.IsLatest {
		t.Error("expected v1 to be superseded")
	}
	if *old.ValueQuantity != 80 || old.Status != StatusFinal || old.CreatedByID != author {
		t.Error("expected v1 clinical values untouched")
	}

	latest, total, err := f.svc.ListLatestObservations(context.Background(), v1.PatientID, ObservationFilter{CodeValue: "8867-4"}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || latest[0].ID != v2.ID || *latest[0].ValueQuantity != 120 {
		t.Errorf("expected only v2 in latest list, got %d items", total)
	}

	versions, err := f.svc.ListObservationVersions(context.Background(), v2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].ID != v1.ID || versions[1].ID != v2.ID {
		t.Errorf("expected chain [v1 v2], got %d versions", len(versions))
	}

	want := []string{"Observation.Recorded", "Observation.Amended"}
	got := f.events.types()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected events %v, got %v", want, got)
	}
	if ev := f.events.events[1]; *ev.CreatedBy != amender || ev.AggregateID != v2.ID.String() {
		t.Errorf("unexpected amend event: %+v", ev)
	}
}

func TestAmendObservation_NonHeadRejected(t *testing.T) {
	f := newFixture()
	v1 := f.heartRate(t, nil)
	v2, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(120)})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(95)})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	v3, err := f.svc.AmendObservation(context.Background(), amender, v2.ID, ObservationChanges{ValueQuantity: float(95)})
	if err != nil {
		t.Fatalf("amending the head should succeed: %v", err)
	}
	if v3.Version != 3 || *v3.RootVersionID != v1.ID || *v3.PreviousVersionID != v2.ID {
		t.Errorf("unexpected v3: %+v", v3.Versioning)
	}
	if n := f.obs.latestCount(v1.ID); n != 1 {
		t.Errorf("expected exactly one head, got %d", n)
	}
}

func TestAmendObservation_LockedEncounter(t *testing.T) {
	f := newFixture()
	enc := uuid.New()
	f.locks.add(enc)
	v1 := f.heartRate(t, &enc)
	f.locks.lock(enc)

	_, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(120)})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	stored, _ := f.svc.GetObservation(context.Background(), v1.ID)
	if !stored.IsLatest || *stored.ValueQuantity != 80 {
		t.Error("expected v1 unchanged after rejected amend")
	}

	o := &Observation{PatientID: v1.PatientID, CodeValue: "8310-5", EncounterID: &enc}
	if err := f.svc.AddObservation(context.Background(), o, author); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for new observation, got %v", err)
	}
	if len(f.obs.store) != 1 {
		t.Errorf("expected no new rows, got %d", len(f.obs.store))
	}
}

func TestAmendObservation_LockCheckedBeforeHead(t *testing.T) {
	f := newFixture()
	enc := uuid.New()
	f.locks.add(enc)
	v1 := f.heartRate(t, &enc)
	if _, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(120)}); err != nil {
		t.Fatal(err)
	}
	f.locks.lock(enc)

	_, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(90)})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for historical version under a locked encounter, got %v", err)
	}
}

func TestAmendObservation_Concurrent(t *testing.T) {
	f := newFixture()
	v1 := f.heartRate(t, nil)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(float64(100 + i))})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", workers-1, successes, conflicts)
	}
	if n := f.obs.latestCount(v1.ID); n != 1 {
		t.Errorf("expected exactly one head, got %d", n)
	}
	versions, _ := f.svc.ListObservationVersions(context.Background(), v1.ID)
	if len(versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(versions))
	}
}

func TestAmendObservation_AtomicOnInsertFailure(t *testing.T) {
	f := newFixture()
	v1 := f.heartRate(t, nil)
	f.obs.createErr = errors.New("disk full")

	if _, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{ValueQuantity: float(120)}); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := f.svc.GetObservation(context.Background(), v1.ID)
	if !stored.IsLatest {
		t.Error("expected the superseded flag to roll back")
	}
	if got := f.events.types(); len(got) != 1 {
		t.Errorf("expected no event for the failed amend, got %v", got)
	}
}

func TestAmendObservation_LegacyRootFallback(t *testing.T) {
	f := newFixture()
	legacy := Observation{
		ID:         uuid.New(),
		PatientID:  uuid.New(),
		Status:     StatusFinal,
		CodeValue:  "8867-4",
		Versioning: Versioning{Version: 1, IsLatest: true, CreatedByID: author},
	}
	f.obs.store[legacy.ID] = legacy

	v2, err := f.svc.AmendObservation(context.Background(), amender, legacy.ID, ObservationChanges{Note: str("rechecked")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.RootVersionID == nil || *v2.RootVersionID != legacy.ID {
		t.Errorf("expected root to fall back to the original id, got %v", v2.RootVersionID)
	}
	versions, _ := f.svc.ListObservationVersions(context.Background(), v2.ID)
	if len(versions) != 2 {
		t.Errorf("expected legacy record grouped with its amendment, got %d", len(versions))
	}
}

func TestAmendObservation_Errors(t *testing.T) {
	f := newFixture()
	v1 := f.heartRate(t, nil)

	if _, err := f.svc.AmendObservation(context.Background(), amender, uuid.New(), ObservationChanges{Note: str("x")}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for empty changes, got %v", err)
	}
	if _, err := f.svc.AmendObservation(context.Background(), amender, v1.ID, ObservationChanges{CodeValue: str("")}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for empty code, got %v", err)
	}
}

// =========== Condition Tests ===========

func TestCondition_RecordAndAmend(t *testing.T) {
	f := newFixture()
	c := &Condition{PatientID: uuid.New(), CodeValue: "I10", CodeDisplay: str("Essential hypertension")}
	if err := f.svc.AddCondition(context.Background(), c, author); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ClinicalStatus != "active" || c.Version != 1 || *c.RootVersionID != c.ID {
		t.Errorf("unexpected first version: %+v", c)
	}

	resolved, err := f.svc.AmendCondition(context.Background(), amender, c.ID, ConditionChanges{ClinicalStatus: str("resolved")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.ClinicalStatus != "resolved" || resolved.Status != StatusAmended || resolved.Version != 2 {
		t.Errorf("unexpected amended condition: %+v", resolved)
	}
	if resolved.CodeValue != "I10" || *resolved.CodeDisplay != "Essential hypertension" {
		t.Error("expected unspecified fields carried forward")
	}

	if _, err := f.svc.AmendCondition(context.Background(), amender, c.ID, ConditionChanges{Note: str("late")}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict amending the old head, got %v", err)
	}

	active, _, _ := f.svc.ListLatestConditions(context.Background(), c.PatientID, ConditionFilter{ClinicalStatus: "active"}, 20, 0)
	if len(active) != 0 {
		t.Errorf("expected no active conditions, got %d", len(active))
	}

	want := []string{"Condition.Recorded", "Condition.Amended"}
	got := f.events.types()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestCondition_Validation(t *testing.T) {
	f := newFixture()
	c := &Condition{PatientID: uuid.New(), CodeValue: "I10", ClinicalStatus: "cured"}
	if err := f.svc.AddCondition(context.Background(), c, author); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	c = &Condition{PatientID: uuid.New(), CodeValue: "I10"}
	if err := f.svc.AddCondition(context.Background(), c, author); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AmendCondition(context.Background(), amender, c.ID, ConditionChanges{ClinicalStatus: str("cured")}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCondition_LockedEncounter(t *testing.T) {
	f := newFixture()
	enc := uuid.New()
	f.locks.add(enc)
	c := &Condition{PatientID: uuid.New(), CodeValue: "I10", EncounterID: &enc}
	if err := f.svc.AddCondition(context.Background(), c, author); err != nil {
		t.Fatal(err)
	}
	f.locks.lock(enc)

	if _, err := f.svc.AmendCondition(context.Background(), amender, c.ID, ConditionChanges{Severity: str("severe")}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	c2 := &Condition{PatientID: c.PatientID, CodeValue: "E11", EncounterID: &enc}
	if err := f.svc.AddCondition(context.Background(), c2, author); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}
