// Package async provides background processing infrastructure for CodeContext.
package async

import (
	"sync"
	"time"
)

// IndexingStatus represents the overall indexing state.
type IndexingStatus string

const (
	// StatusIndexing indicates indexing is in progress.
	StatusIndexing IndexingStatus = "indexing"
	// StatusReady indicates indexing is complete and search is available.
	StatusReady IndexingStatus = "ready"
	// StatusError indicates indexing failed with an error.
	StatusError IndexingStatus = "error"
)

// IndexingStage represents the current stage of the indexing process.
type IndexingStage string

const (
	// StageDiscovering indicates the file discovery phase.
	StageDiscovering IndexingStage = "discovering"
	// StageParsing indicates the AST parsing phase.
	StageParsing IndexingStage = "parsing"
	// StageChunking indicates the chunk extraction phase.
	StageChunking IndexingStage = "chunking"
	// StageEmbedding indicates the embedding generation phase.
	StageEmbedding IndexingStage = "embedding"
	// StageStoring indicates the index building phase.
	StageStoring IndexingStage = "storing"
)

// IndexProgressSnapshot is an immutable snapshot of indexing progress.
type IndexProgressSnapshot struct {
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	FilesTotal     int     `json:"files_total"`
	FilesProcessed int     `json:"files_processed"`
	ChunksTotal    int     `json:"chunks_total"`
	ChunksIndexed  int     `json:"chunks_indexed"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// IndexProgress provides thread-safe tracking of indexing progress.
type IndexProgress struct {
	mu sync.RWMutex

	status         IndexingStatus
	stage          IndexingStage
	filesTotal     int
	filesProcessed int
	chunksTotal    int
	chunksIndexed  int
	startTime      time.Time
	errorMessage   string
}

// NewIndexProgress creates a new progress tracker initialized for indexing.
func NewIndexProgress() *IndexProgress {
	return &IndexProgress{
		status:    StatusIndexing,
		stage:     StageDiscovering,
		startTime: time.Now(),
	}
}

// SetStage updates the current indexing stage and resets the total count.
func (p *IndexProgress) SetStage(stage IndexingStage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stage = stage
	p.filesTotal = total
}

// UpdateFiles updates the number of processed files.
func (p *IndexProgress) UpdateFiles(processed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filesProcessed = processed
}

// SetChunksTotal sets the total number of chunks to process.
func (p *IndexProgress) SetChunksTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.chunksTotal = total
}

// UpdateChunks updates the number of indexed chunks.
func (p *IndexProgress) UpdateChunks(indexed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.chunksIndexed = indexed
}

// SetError marks the indexing as failed with an error message.
func (p *IndexProgress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusError
	p.errorMessage = message
}

// SetReady marks the indexing as complete and ready for search.
func (p *IndexProgress) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusReady
}

// IsIndexing returns true if indexing is still in progress.
func (p *IndexProgress) IsIndexing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.status == StatusIndexing
}

// RunState represents the lifecycle state of a single indexing run, as
// opposed to IndexProgress which tracks counters within a run.
type RunState string

const (
	// RunIdle means no run is active; a new run may be started.
	RunIdle RunState = "idle"
	// RunRunning means a run is actively processing files.
	RunRunning RunState = "running"
	// RunPaused means a run has been suspended and can be resumed.
	RunPaused RunState = "paused"
	// RunStopping means a stop has been requested and the run is winding down.
	RunStopping RunState = "stopping"
	// RunComplete means the run finished successfully.
	RunComplete RunState = "complete"
	// RunFailed means the run ended with an error.
	RunFailed RunState = "failed"
)

// ErrAlreadyRunning is returned by RunController.Start when a run is already
// active, enforcing one-run-at-a-time.
var ErrAlreadyRunning = errStr("an index run is already in progress")

// ErrInvalidTransition is returned when a control operation does not apply
// to the controller's current state.
type ErrInvalidTransition struct {
	From RunState
	Op   string
}

func (e *ErrInvalidTransition) Error() string {
	return "cannot " + e.Op + " from state " + string(e.From)
}

type errStr string

func (e errStr) Error() string { return string(e) }

// RunController guards the lifecycle of a single indexing run through the
// states idle -> running -> {paused <-> running} -> stopping -> complete,
// with any state able to transition to failed and back to idle. It rejects
// a second concurrent run with ErrAlreadyRunning rather than silently
// interleaving two indexing passes over the same project.
type RunController struct {
	mu    sync.Mutex
	state RunState
}

// NewRunController creates a controller in the idle state.
func NewRunController() *RunController {
	return &RunController{state: RunIdle}
}

// State returns the current run state.
func (c *RunController) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions idle -> running. Returns ErrAlreadyRunning if a run is
// already active (running, paused, or stopping).
func (c *RunController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == RunRunning || c.state == RunPaused || c.state == RunStopping {
		return ErrAlreadyRunning
	}
	c.state = RunRunning
	return nil
}

// Pause transitions running -> paused.
func (c *RunController) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RunRunning {
		return &ErrInvalidTransition{From: c.state, Op: "pause"}
	}
	c.state = RunPaused
	return nil
}

// Resume transitions paused -> running.
func (c *RunController) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RunPaused {
		return &ErrInvalidTransition{From: c.state, Op: "resume"}
	}
	c.state = RunRunning
	return nil
}

// Stop transitions running or paused -> stopping, requesting a graceful halt.
func (c *RunController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RunRunning && c.state != RunPaused {
		return &ErrInvalidTransition{From: c.state, Op: "stop"}
	}
	c.state = RunStopping
	return nil
}

// Cancel immediately returns a run to idle from any state, discarding
// whatever progress was made. Unlike Stop, it does not wait for a graceful
// wind-down.
func (c *RunController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = RunIdle
}

// Complete transitions running or stopping -> complete.
func (c *RunController) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RunRunning && c.state != RunStopping {
		return &ErrInvalidTransition{From: c.state, Op: "complete"}
	}
	c.state = RunComplete
	return nil
}

// Fail transitions any state to failed.
func (c *RunController) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = RunFailed
}

// Reset returns a controller in complete or failed state to idle, allowing a
// new run to start.
func (c *RunController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RunComplete && c.state != RunFailed {
		return &ErrInvalidTransition{From: c.state, Op: "reset"}
	}
	c.state = RunIdle
	return nil
}

// Snapshot returns an immutable copy of the current progress state.
func (p *IndexProgress) Snapshot() IndexProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var progressPct float64
	if p.filesTotal > 0 {
		progressPct = float64(p.filesProcessed) / float64(p.filesTotal) * 100.0
	}

	return IndexProgressSnapshot{
		Status:         string(p.status),
		Stage:          string(p.stage),
		FilesTotal:     p.filesTotal,
		FilesProcessed: p.filesProcessed,
		ChunksTotal:    p.chunksTotal,
		ChunksIndexed:  p.chunksIndexed,
		ProgressPct:    progressPct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
