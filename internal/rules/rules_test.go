package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedContext is a hand-filled Context for tests.
type fixedContext struct {
	subjects  map[string]Subject // by number and by id
	sessions  map[string]Session
	checkIns  map[string]struct{}
	committed map[string]string
}

func (c *fixedContext) Subject(op Operation) (Subject, bool) {
	key := op.StudentNo
	if key == "" {
		key = op.StudentID
	}
	s, ok := c.subjects[key]
	return s, ok
}

func (c *fixedContext) Session(id string) (Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

func (c *fixedContext) HasCheckIn(studentID, weekend string) bool {
	_, ok := c.checkIns[studentID+"/"+weekend]
	return ok
}

func (c *fixedContext) Committed(key string) (string, bool) {
	id, ok := c.committed[key]
	return id, ok
}

var (
	saturday = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	tuesday  = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
)

func baseContext() *fixedContext {
	return &fixedContext{
		subjects: map[string]Subject{
			"S100": {ID: "stu-1", No: "S100", ClassID: "class-a"},
			"stu-1": {ID: "stu-1", No: "S100", ClassID: "class-a"},
			"S200": {ID: "stu-2", No: "S200", ClassID: "class-b", Expelled: true},
		},
		sessions: map[string]Session{
			"sess-1": {ID: "sess-1", Weekend: "2026-W35", Type: "class", ClassID: "class-a"},
			"chap-1": {ID: "chap-1", Weekend: "2026-W35", Type: "chapel"},
		},
		checkIns:  map[string]struct{}{},
		committed: map[string]string{},
	}
}

func TestEvaluate_RuleOrder(t *testing.T) {
	tests := []struct {
		name  string
		op    Operation
		scope ActorScope
		want  Reason
	}{
		{
			name: "unknown subject",
			op:   Operation{Kind: KindCheckIn, StudentNo: "S999", OccurredAt: saturday},
			want: ReasonSubjectNotFound,
		},
		{
			name: "expelled subject",
			op:   Operation{Kind: KindCheckIn, StudentNo: "S200", OccurredAt: saturday},
			want: ReasonSubjectExcluded,
		},
		{
			name: "check-in outside the weekend window",
			op:   Operation{Kind: KindCheckIn, StudentNo: "S100", OccurredAt: tuesday},
			want: ReasonOutsideWindow,
		},
		{
			name: "unknown session",
			op:   Operation{Kind: KindAttendance, StudentID: "stu-1", SessionID: "sess-404", OccurredAt: saturday},
			want: ReasonSessionNotFound,
		},
		{
			name: "chapel without a check-in this cycle",
			op:   Operation{Kind: KindChapel, StudentNo: "S100", SessionID: "chap-1", OccurredAt: saturday},
			want: ReasonPrerequisiteMissing,
		},
		{
			name:  "subject outside the actor's class",
			op:    Operation{Kind: KindAttendance, StudentID: "stu-1", SessionID: "sess-1", OccurredAt: saturday},
			scope: ActorScope{ActorID: "t-1", Role: "teacher", ClassID: "class-b"},
			want:  ReasonOutOfScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.op, baseContext(), tt.scope)
			require.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluate_ExclusionBeatsEverything(t *testing.T) {
	// An expelled student is rejected even when prerequisite and scope
	// would pass.
	ctx := baseContext()
	ctx.checkIns["stu-2/2026-W35"] = struct{}{}

	d := Evaluate(Operation{Kind: KindChapel, StudentNo: "S200", SessionID: "chap-1", OccurredAt: saturday}, ctx, ActorScope{})
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonSubjectExcluded, d.Reason)
}

func TestEvaluate_Allowed(t *testing.T) {
	ctx := baseContext()
	d := Evaluate(Operation{Kind: KindCheckIn, StudentNo: "S100", OccurredAt: saturday}, ctx, ActorScope{})
	require.True(t, d.Allowed)
	assert.False(t, d.Duplicate)
}

func TestEvaluate_ChapelAfterCheckIn(t *testing.T) {
	ctx := baseContext()
	op := Operation{Kind: KindChapel, StudentNo: "S100", SessionID: "chap-1", OccurredAt: saturday}

	d := Evaluate(op, ctx, ActorScope{})
	require.Equal(t, ReasonPrerequisiteMissing, d.Reason)

	ctx.checkIns["stu-1/2026-W35"] = struct{}{}
	d = Evaluate(op, ctx, ActorScope{})
	assert.True(t, d.Allowed)
}

func TestEvaluate_DuplicateIsBenign(t *testing.T) {
	ctx := baseContext()
	ctx.committed["checkin/stu-1/2026-W35/Saturday"] = "srv-42"

	d := Evaluate(Operation{Kind: KindCheckIn, StudentNo: "S100", OccurredAt: saturday}, ctx, ActorScope{})
	require.True(t, d.Allowed)
	assert.True(t, d.Duplicate)
	assert.Equal(t, "srv-42", d.ServerID)
}

func TestEvaluate_SchoolWideChapelInScopeForRestrictedActor(t *testing.T) {
	ctx := baseContext()
	ctx.checkIns["stu-1/2026-W35"] = struct{}{}
	scope := ActorScope{ActorID: "t-1", Role: "teacher", ClassID: "class-a"}

	d := Evaluate(Operation{Kind: KindChapel, StudentNo: "S100", SessionID: "chap-1", OccurredAt: saturday}, ctx, scope)
	assert.True(t, d.Allowed)
}

func TestWeekendOf(t *testing.T) {
	assert.Equal(t, "2026-W35", WeekendOf(saturday))
	assert.Equal(t, "2026-W35", WeekendOf(tuesday))
}

func TestNaturalKey(t *testing.T) {
	subj := Subject{ID: "stu-1"}
	checkin := Operation{Kind: KindCheckIn, OccurredAt: saturday}
	assert.Equal(t, "checkin/stu-1/2026-W35/Saturday", NaturalKey(checkin, subj, Session{}))

	mark := Operation{Kind: KindAttendance}
	sess := Session{ID: "sess-1"}
	assert.Equal(t, "attendance/stu-1/sess-1", NaturalKey(mark, subj, sess))

	chapel := Operation{Kind: KindChapel}
	chap := Session{ID: "chap-1"}
	assert.Equal(t, "attendance/stu-1/chap-1", NaturalKey(chapel, subj, chap))
}
