package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingTask struct {
	ran int
}

func (r *recordingTask) Run() { r.ran++ }

func TestScheduler_RunDueFiresOnlyExpiredTasks(t *testing.T) {
	s := newScheduler()
	base := time.Unix(0, 0)

	early := &recordingTask{}
	late := &recordingTask{}
	s.Schedule(early, base.Add(time.Second))
	s.Schedule(late, base.Add(10*time.Second))

	s.runDue(base.Add(2 * time.Second))
	assert.Equal(t, 1, early.ran)
	assert.Equal(t, 0, late.ran)

	s.runDue(base.Add(20 * time.Second))
	assert.Equal(t, 1, early.ran)
	assert.Equal(t, 1, late.ran)
}

func TestScheduler_RescheduleReplacesDeadline(t *testing.T) {
	s := newScheduler()
	base := time.Unix(0, 0)
	task := &recordingTask{}

	s.Schedule(task, base.Add(time.Second))
	s.Schedule(task, base.Add(time.Hour))

	s.runDue(base.Add(time.Minute))
	assert.Equal(t, 0, task.ran, "the later deadline should win, not the earlier one")

	s.runDue(base.Add(2 * time.Hour))
	assert.Equal(t, 1, task.ran)
}

func TestScheduler_Unschedule(t *testing.T) {
	s := newScheduler()
	base := time.Unix(0, 0)
	task := &recordingTask{}

	s.Schedule(task, base.Add(time.Second))
	s.Unschedule(task)

	s.runDue(base.Add(time.Hour))
	assert.Equal(t, 0, task.ran)
}
