// Package memory is a fully in-memory store implementation. Safe for
// concurrent access; every Atomic call holds the store mutex, so a
// transaction observes and mutates a consistent snapshot. Intended for
// unit tests and single-process development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store holds all dispatch state in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	jobs        map[uuid.UUID]*core.Job
	children    map[uuid.UUID][]uuid.UUID // parent -> child job ids
	parents     map[uuid.UUID][]uuid.UUID // child -> parent job ids
	contracts   map[uuid.UUID]*core.Contract
	byJob       map[uuid.UUID][]uuid.UUID // job -> contract ids, ascending contract_number
	commitments map[uuid.UUID]*core.Commitment
	byContract  map[uuid.UUID]uuid.UUID // contract -> commitment id
	agents      []core.Agent
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[uuid.UUID]*core.Job),
		children:    make(map[uuid.UUID][]uuid.UUID),
		parents:     make(map[uuid.UUID][]uuid.UUID),
		contracts:   make(map[uuid.UUID]*core.Contract),
		byJob:       make(map[uuid.UUID][]uuid.UUID),
		commitments: make(map[uuid.UUID]*core.Commitment),
		byContract:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Atomic runs fn under the store mutex. Mutations made by fn are visible
// immediately; there is no rollback, so callers must treat a failed fn as
// fatal to the operation (the dispatch engine surfaces the error to its
// caller).
func (s *Store) Atomic(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{s: s})
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// tx implements store.Tx over the locked store.
type tx struct {
	s *Store
}

func (t *tx) InsertJob(_ context.Context, job *core.Job) error {
	cp := *job
	cp.Tags = append([]string(nil), job.Tags...)
	t.s.jobs[job.JobID] = &cp
	return nil
}

func (t *tx) GetJob(_ context.Context, jobID uuid.UUID) (*core.Job, error) {
	j, ok := t.s.jobs[jobID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *j
	cp.Tags = append([]string(nil), j.Tags...)
	return &cp, nil
}

func (t *tx) ListJobs(_ context.Context, filter store.JobFilter) ([]store.JobRecord, error) {
	records := make([]store.JobRecord, 0, len(t.s.jobs))
	for id, j := range t.s.jobs {
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		rec := store.JobRecord{Job: *j, Outcome: core.OutcomeWaiting}
		if latest := t.latestContract(id); latest != nil {
			rec.Outcome = latest.Outcome
			rec.ContractNumber = latest.ContractNumber
		}
		if filter.Outcome != "" && rec.Outcome != filter.Outcome {
			continue
		}
		records = append(records, rec)
	}

	// Newest first, matching the Postgres listing order.
	sort.Slice(records, func(i, k int) bool {
		if !records[i].CreatedAt.Equal(records[k].CreatedAt) {
			return records[i].CreatedAt.After(records[k].CreatedAt)
		}
		return records[i].JobID.String() > records[k].JobID.String()
	})

	if filter.Cursor != nil {
		pos := sort.Search(len(records), func(i int) bool {
			r := records[i]
			if !r.CreatedAt.Equal(filter.Cursor.CreatedAt) {
				return r.CreatedAt.Before(filter.Cursor.CreatedAt)
			}
			return r.JobID.String() < filter.Cursor.JobID.String()
		})
		records = records[pos:]
	}

	if filter.PageSize > 0 && len(records) > filter.PageSize+1 {
		records = records[:filter.PageSize+1]
	}
	return records, nil
}

func (t *tx) InsertDependency(_ context.Context, parentJobID, childJobID uuid.UUID) error {
	for _, existing := range t.s.children[parentJobID] {
		if existing == childJobID {
			return nil
		}
	}
	t.s.children[parentJobID] = append(t.s.children[parentJobID], childJobID)
	t.s.parents[childJobID] = append(t.s.parents[childJobID], parentJobID)
	return nil
}

func (t *tx) ListDependencies(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	return append([]uuid.UUID(nil), t.s.children[jobID]...), nil
}

func (t *tx) ListDependants(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	return append([]uuid.UUID(nil), t.s.parents[jobID]...), nil
}

func (t *tx) DependenciesSatisfied(_ context.Context, jobID uuid.UUID) (bool, error) {
	for _, child := range t.s.children[jobID] {
		latest := t.latestContract(child)
		if latest == nil || latest.Outcome != core.OutcomeSuccess {
			return false, nil
		}
	}
	return true, nil
}

func (t *tx) DependencyViews(_ context.Context, jobID uuid.UUID) ([]core.DependencyView, error) {
	views := make([]core.DependencyView, 0, len(t.s.children[jobID]))
	for _, child := range t.s.children[jobID] {
		j, ok := t.s.jobs[child]
		if !ok {
			return nil, core.ErrJobNotFound
		}
		view := core.DependencyView{JobType: j.JobType, RequestBody: j.RequestBody}
		if latest := t.latestSuccess(child); latest != nil {
			view.ResultBody = latest.ResultBody
		}
		views = append(views, view)
	}
	return views, nil
}

func (t *tx) InsertContract(_ context.Context, contract *core.Contract) error {
	cp := *contract
	t.s.contracts[contract.ContractID] = &cp
	t.s.byJob[contract.JobID] = append(t.s.byJob[contract.JobID], contract.ContractID)
	return nil
}

func (t *tx) UpdateContract(_ context.Context, contract *core.Contract) error {
	if _, ok := t.s.contracts[contract.ContractID]; !ok {
		return core.ErrJobNotFound
	}
	cp := *contract
	t.s.contracts[contract.ContractID] = &cp
	return nil
}

func (t *tx) GetContract(_ context.Context, contractID uuid.UUID) (*core.Contract, error) {
	c, ok := t.s.contracts[contractID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *tx) LatestContract(_ context.Context, jobID uuid.UUID) (*core.Contract, error) {
	latest := t.latestContract(jobID)
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (t *tx) SelectClaimable(ctx context.Context, filter core.WorkFilter, now time.Time) (*core.Contract, error) {
	type candidate struct {
		contract *core.Contract
		job      *core.Job
	}

	candidates := make([]candidate, 0)
	for _, c := range t.s.contracts {
		if c.Outcome != core.OutcomeWaiting || c.Due.After(now) {
			continue
		}
		j, ok := t.s.jobs[c.JobID]
		if !ok {
			continue
		}
		if j.JobType != filter.JobType || !hasTags(j.Tags, filter.Tags) {
			continue
		}
		candidates = append(candidates, candidate{contract: c, job: j})
	}

	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].job.CreatedAt.Equal(candidates[k].job.CreatedAt) {
			return candidates[i].job.CreatedAt.Before(candidates[k].job.CreatedAt)
		}
		return strings.Compare(candidates[i].job.JobID.String(), candidates[k].job.JobID.String()) < 0
	})

	for _, cand := range candidates {
		ok, err := t.DependenciesSatisfied(ctx, cand.job.JobID)
		if err != nil {
			return nil, err
		}
		if ok {
			cp := *cand.contract
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertCommitment(_ context.Context, commitment *core.Commitment) error {
	if _, claimed := t.s.byContract[commitment.ContractID]; claimed {
		return &store.TransientError{Err: core.ErrStaleCommitment}
	}
	cp := *commitment
	t.s.commitments[commitment.CommitmentID] = &cp
	t.s.byContract[commitment.ContractID] = commitment.CommitmentID
	return nil
}

func (t *tx) GetCommitment(_ context.Context, commitmentID uuid.UUID) (*core.Commitment, error) {
	cm, ok := t.s.commitments[commitmentID]
	if !ok {
		return nil, core.ErrCommitmentNotFound
	}
	cp := *cm
	return &cp, nil
}

func (t *tx) DeleteCommitment(_ context.Context, commitmentID uuid.UUID) error {
	cm, ok := t.s.commitments[commitmentID]
	if !ok {
		return core.ErrCommitmentNotFound
	}
	delete(t.s.byContract, cm.ContractID)
	delete(t.s.commitments, commitmentID)
	return nil
}

func (t *tx) RecordHeartbeat(_ context.Context, commitmentID uuid.UUID, ts time.Time) error {
	cm, ok := t.s.commitments[commitmentID]
	if !ok {
		return core.ErrCommitmentNotFound
	}
	if ts.After(cm.LastHeartbeat) {
		cm.LastHeartbeat = ts
	}
	return nil
}

func (t *tx) SilentCommitments(_ context.Context, cutoff time.Time) ([]core.Commitment, error) {
	var silent []core.Commitment
	for _, cm := range t.s.commitments {
		c, ok := t.s.contracts[cm.ContractID]
		if !ok || c.Outcome != core.OutcomeRunning {
			continue
		}
		if cm.LastHeartbeat.Before(cutoff) {
			silent = append(silent, *cm)
		}
	}
	sort.Slice(silent, func(i, k int) bool {
		return silent[i].LastHeartbeat.Before(silent[k].LastHeartbeat)
	})
	return silent, nil
}

func (t *tx) UpsertAgent(_ context.Context, details core.AgentDetails) (uuid.UUID, error) {
	for _, a := range t.s.agents {
		if a.AgentDetails == details {
			return a.AgentID, nil
		}
	}
	agent := core.Agent{AgentID: uuid.New(), AgentDetails: details}
	t.s.agents = append(t.s.agents, agent)
	return agent.AgentID, nil
}

func (t *tx) ListAgents(_ context.Context) ([]core.Agent, error) {
	return append([]core.Agent(nil), t.s.agents...), nil
}

func (t *tx) latestContract(jobID uuid.UUID) *core.Contract {
	ids := t.s.byJob[jobID]
	if len(ids) == 0 {
		return nil
	}
	return t.s.contracts[ids[len(ids)-1]]
}

func (t *tx) latestSuccess(jobID uuid.UUID) *core.Contract {
	ids := t.s.byJob[jobID]
	for i := len(ids) - 1; i >= 0; i-- {
		if c := t.s.contracts[ids[i]]; c.Outcome == core.OutcomeSuccess {
			return c
		}
	}
	return nil
}

func hasTags(jobTags, wanted []string) bool {
	for _, w := range wanted {
		found := false
		for _, tag := range jobTags {
			if tag == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
