package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Plans live as one JSON file per plan under the plans directory. Step
// values are percent 0-100; scaling to channel bytes happens at publish
// time.

type Plan struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	HWMode         string  `json:"hw_mode"`
	Channels       int     `json:"channels"`
	IntensityScale string  `json:"intensity_scale"`
	IntervalMS     int     `json:"interval_ms"`
	Steps          [][]int `json:"steps"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// PlanInput is the client-submitted form of a plan. Step values arrive as
// JSON numbers and are rounded to whole percent. Channels is optional and
// must match the mode's channel count when given.
type PlanInput struct {
	Name       string      `json:"name"`
	HWMode     string      `json:"hw_mode"`
	Channels   int         `json:"channels"`
	IntervalMS int         `json:"interval_ms"`
	Steps      [][]float64 `json:"steps"`
}

type PlanSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	HWMode     string `json:"hw_mode"`
	IntervalMS int    `json:"interval_ms"`
	StepCount  int    `json:"step_count"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// planIntensityScale records how step values are expressed in plan files.
const planIntensityScale = "0-100"

type planCacheEntry struct {
	plan     *Plan
	mtime    time.Time
	cachedAt time.Time
}

// PlanStore reads and writes plan files. Parsed plans are cached briefly
// so a planner tick over many devices sharing one plan stats the file at
// most once per TTL; cached entries are revalidated against the file
// mtime after the TTL lapses.
type PlanStore struct {
	dir string
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]*planCacheEntry

	now func() time.Time
}

var (
	planIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	planIDSanitize = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

const (
	planIDMaxLen   = 64
	planNameMaxLen = 100
)

func NewPlanStore(dir string, ttl time.Duration) (*PlanStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create plans dir: %w", err)
	}
	return &PlanStore{
		dir:   dir,
		ttl:   ttl,
		cache: make(map[string]*planCacheEntry),
		now:   time.Now,
	}, nil
}

func (ps *PlanStore) planPath(id string) string {
	return filepath.Join(ps.dir, id+".json")
}

// validateInput checks a submitted plan and returns the rounded steps.
func validateInput(in PlanInput) ([][]int, error) {
	if len(in.Name) < 1 || len(in.Name) > planNameMaxLen {
		return nil, errValidation("plan", "name must be 1-%d characters", planNameMaxLen)
	}
	mode, ok := ModeByID(in.HWMode)
	if !ok {
		return nil, errValidation("plan", "unknown hw_mode %q", in.HWMode)
	}
	if mode.ID != DefaultModeID {
		return nil, errValidation("plan", "plans only support hw_mode %s", DefaultModeID)
	}
	if in.Channels != 0 && in.Channels != mode.Channels {
		return nil, errValidation("plan", "hw_mode %s has %d channels, got %d", mode.ID, mode.Channels, in.Channels)
	}
	if in.IntervalMS <= 0 {
		return nil, errValidation("plan", "interval_ms must be positive")
	}
	if len(in.Steps) == 0 {
		return nil, errValidation("plan", "plan needs at least one step")
	}
	steps := make([][]int, len(in.Steps))
	for i, step := range in.Steps {
		if len(step) != mode.Channels {
			return nil, errValidation("plan", "step %d has %d values, want %d", i, len(step), mode.Channels)
		}
		row := make([]int, mode.Channels)
		for j, v := range step {
			if v < 0 || v > 100 {
				return nil, errValidation("plan", "step %d value %d out of range 0-100", i, j)
			}
			row[j] = int(math.Round(v))
		}
		steps[i] = row
	}
	return steps, nil
}

// sanitizePlanID turns a display name into a file-safe id.
func sanitizePlanID(name string) string {
	id := planIDSanitize.ReplaceAllString(name, "_")
	if len(id) > planIDMaxLen {
		id = id[:planIDMaxLen]
	}
	if id == "" {
		id = "plan"
	}
	return id
}

func validPlanID(id string) bool {
	return id != "" && len(id) <= planIDMaxLen+8 && planIDPattern.MatchString(id)
}

// Create validates, assigns a collision-free id and writes the plan file.
func (ps *PlanStore) Create(in PlanInput) (*Plan, error) {
	steps, err := validateInput(in)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	base := sanitizePlanID(in.Name)
	id := base
	for n := 1; ; n++ {
		if _, err := os.Stat(ps.planPath(id)); os.IsNotExist(err) {
			break
		}
		if n > 999 {
			return nil, errConflict("plan", "no free id for %q", base)
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	now := ps.now().UTC().Format(time.RFC3339)
	plan := &Plan{
		ID:             id,
		Name:           in.Name,
		HWMode:         in.HWMode,
		Channels:       ModeOrDefault(in.HWMode).Channels,
		IntensityScale: planIntensityScale,
		IntervalMS:     in.IntervalMS,
		Steps:          steps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := ps.writeLocked(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Update rewrites an existing plan, keeping its id and created_at.
func (ps *PlanStore) Update(id string, in PlanInput) (*Plan, error) {
	steps, err := validateInput(in)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing, err := ps.loadLocked(id)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		ID:             id,
		Name:           in.Name,
		HWMode:         in.HWMode,
		Channels:       ModeOrDefault(in.HWMode).Channels,
		IntensityScale: planIntensityScale,
		IntervalMS:     in.IntervalMS,
		Steps:          steps,
		CreatedAt:      existing.CreatedAt,
		UpdatedAt:      ps.now().UTC().Format(time.RFC3339),
	}
	if err := ps.writeLocked(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (ps *PlanStore) writeLocked(plan *Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.ID, err)
	}
	if err := os.WriteFile(ps.planPath(plan.ID), data, 0644); err != nil {
		return fmt.Errorf("write plan %s: %w", plan.ID, err)
	}
	info, err := os.Stat(ps.planPath(plan.ID))
	mtime := ps.now()
	if err == nil {
		mtime = info.ModTime()
	}
	ps.cache[plan.ID] = &planCacheEntry{plan: plan, mtime: mtime, cachedAt: ps.now()}
	return nil
}

// Get returns a plan by id, served from cache while fresh.
func (ps *PlanStore) Get(id string) (*Plan, error) {
	if !validPlanID(id) {
		return nil, errValidation("plan", "invalid plan id %q", id)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.loadLocked(id)
}

func (ps *PlanStore) loadLocked(id string) (*Plan, error) {
	// A cache hit requires the file to still exist with an unchanged
	// mtime and a fresh entry, so every read stats the file.
	info, statErr := os.Stat(ps.planPath(id))
	if statErr != nil {
		delete(ps.cache, id)
		if os.IsNotExist(statErr) {
			return nil, errNotFound("plan", "plan %q not found", id)
		}
		return nil, fmt.Errorf("stat plan %s: %w", id, statErr)
	}
	if entry, ok := ps.cache[id]; ok {
		if info.ModTime().Equal(entry.mtime) && ps.now().Sub(entry.cachedAt) < ps.ttl {
			return entry.plan, nil
		}
		delete(ps.cache, id)
	}

	data, err := os.ReadFile(ps.planPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound("plan", "plan %q not found", id)
		}
		return nil, fmt.Errorf("read plan %s: %w", id, err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", id, err)
	}
	plan.ID = id
	// Files written before these fields existed.
	if plan.Channels == 0 {
		plan.Channels = ModeOrDefault(plan.HWMode).Channels
	}
	if plan.IntensityScale == "" {
		plan.IntensityScale = planIntensityScale
	}
	if plan.UpdatedAt == "" {
		plan.UpdatedAt = plan.CreatedAt
	}
	ps.cache[id] = &planCacheEntry{plan: &plan, mtime: info.ModTime(), cachedAt: ps.now()}
	return &plan, nil
}

func (ps *PlanStore) Delete(id string) error {
	if !validPlanID(id) {
		return errValidation("plan", "invalid plan id %q", id)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.cache, id)
	if err := os.Remove(ps.planPath(id)); err != nil {
		if os.IsNotExist(err) {
			return errNotFound("plan", "plan %q not found", id)
		}
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	return nil
}

// List scans the plans directory and returns summaries sorted by id.
// Unreadable files are skipped so one corrupt plan cannot hide the rest.
func (ps *PlanStore) List() ([]PlanSummary, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PlanSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !validPlanID(id) {
			continue
		}
		plan, err := ps.loadLocked(id)
		if err != nil {
			continue
		}
		out = append(out, PlanSummary{
			ID:         plan.ID,
			Name:       plan.Name,
			HWMode:     plan.HWMode,
			IntervalMS: plan.IntervalMS,
			StepCount:  len(plan.Steps),
			CreatedAt:  plan.CreatedAt,
			UpdatedAt:  plan.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
