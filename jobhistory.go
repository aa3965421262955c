// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus mirrors the teacher's job lifecycle labels.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobCanceled  JobStatus = "CANCELED"
)

// Job is one recorded queue run (SPEC_FULL.md §D.3).
type Job struct {
	ID          string
	Total       int
	Status      JobStatus
	TimeAdded   time.Time
	TimeStarted *time.Time
	TimeEnded   *time.Time
}

// JobHistory is a passive audit trail over a Session's grbl.Queue: unlike
// the teacher's JobSched, it never sends commands itself. Start/Complete/
// Cancel are called by Session in response to queue state transitions it
// already drives.
type JobHistory struct {
	mu        sync.Mutex
	jobs      []Job
	nextJobID int
}

// NewJobHistory creates an empty history.
func NewJobHistory() *JobHistory {
	return &JobHistory{nextJobID: 1}
}

// Start records a new RUNNING job of the given total line count.
func (jh *JobHistory) Start(total int) {
	jh.mu.Lock()
	defer jh.mu.Unlock()

	now := time.Now().Local()
	job := Job{
		ID:          fmt.Sprintf("jb%d", jh.nextJobID),
		Total:       total,
		Status:      JobRunning,
		TimeAdded:   now,
		TimeStarted: &now,
	}
	jh.nextJobID++
	jh.jobs = append(jh.jobs, job)
}

func (jh *JobHistory) findRunningUnsafe() *Job {
	for i := range jh.jobs {
		if jh.jobs[i].Status == JobRunning {
			return &jh.jobs[i]
		}
	}
	return nil
}

// Complete marks the currently running job (if any) COMPLETED.
func (jh *JobHistory) Complete() {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	job := jh.findRunningUnsafe()
	if job == nil {
		return
	}
	now := time.Now().Local()
	job.Status = JobCompleted
	job.TimeEnded = &now
}

// Cancel marks the currently running job (if any) CANCELED. Called on
// gcode:stop, gcode:unload and ingest.
func (jh *JobHistory) Cancel() {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	job := jh.findRunningUnsafe()
	if job == nil {
		return
	}
	now := time.Now().Local()
	job.Status = JobCanceled
	job.TimeEnded = &now
}

// List returns a copy of all recorded jobs, oldest first.
func (jh *JobHistory) List() []Job {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	out := make([]Job, len(jh.jobs))
	copy(out, jh.jobs)
	return out
}
