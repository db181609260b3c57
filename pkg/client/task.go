// Package client is the programmatic front end: task-construction
// helpers mirroring dataswarm.h's ds_task_specify_* family, and a thin
// Client wrapping pkg/coordinator for submit/wait/cancel, so a caller
// never builds types.Task/types.Artifact literals by hand.
package client

import "github.com/cuemby/taskcoordinator/pkg/types"

// Task wraps a types.Task behind fluent Specify/With builder methods,
// the same chaining idiom the rest of this module uses for optional
// configuration (see pkg/health's WithTimeout/WithHeader in the wider
// codebase this one grew out of).
type Task struct {
	*types.Task
}

// NewTask returns a Task that runs command, defaulted to the "default"
// category like a hand-built types.Task would be.
func NewTask(command string) *Task {
	return &Task{Task: &types.Task{
		Command:  command,
		Category: types.DefaultCategory,
	}}
}

// Direction selects which side of a task an artifact attaches to,
// mirroring dataswarm.h's DS_INPUT/DS_OUTPUT.
type Direction int

const (
	Input Direction = iota
	Output
)

// WithTag sets the task's grouping tag, used by CancelByTag and Wait's
// tag filter.
func (t *Task) WithTag(tag string) *Task {
	t.Tag = tag
	return t
}

// WithCategory overrides the default category.
func (t *Task) WithCategory(name string) *Task {
	t.Category = name
	return t
}

// WithPriority sets the scheduling priority; higher runs first.
func (t *Task) WithPriority(priority float64) *Task {
	t.Priority = priority
	return t
}

// WithCoprocess names the coprocess this task depends on, synthesized
// into an implicit required feature at eligibility time.
func (t *Task) WithCoprocess(name string) *Task {
	t.Coprocess = name
	return t
}

// WithResources sets the task's first-attempt resource request.
func (t *Task) WithResources(r types.Resources) *Task {
	t.Requested = r
	return t
}

// WithEnv appends one NAME=VALUE environment assignment.
func (t *Task) WithEnv(assignment string) *Task {
	t.Env = append(t.Env, assignment)
	return t
}

// WithFeature adds one required worker feature.
func (t *Task) WithFeature(name string) *Task {
	t.Features = append(t.Features, name)
	return t
}

// SpecifyFile declares a local file as a task input or output,
// mirroring ds_task_specify_file. For an input, localPath is read from
// the client's filesystem and sent to the worker as remoteName; for an
// output, the worker's remoteName is fetched back after the task runs.
func (t *Task) SpecifyFile(localPath, remoteName string, direction Direction, flags types.ArtifactFlags) *Task {
	a := types.Artifact{
		Kind:       types.ArtifactFile,
		Source:     localPath,
		RemoteName: remoteName,
		Flags:      flags,
	}
	return t.attach(a, direction)
}

// SpecifyDirectory declares a local directory as a task input or
// output.
func (t *Task) SpecifyDirectory(localPath, remoteName string, direction Direction, flags types.ArtifactFlags) *Task {
	a := types.Artifact{
		Kind:       types.ArtifactDirectory,
		Source:     localPath,
		RemoteName: remoteName,
		Flags:      flags,
	}
	return t.attach(a, direction)
}

// SpecifyEmptyDirectory declares an empty directory the worker should
// create in the sandbox before the command runs.
func (t *Task) SpecifyEmptyDirectory(remoteName string) *Task {
	return t.attach(types.Artifact{Kind: types.ArtifactEmptyDirectory, RemoteName: remoteName}, Input)
}

// SpecifyBuffer declares an in-memory input, mirroring
// ds_task_specify_buffer. Buffers are materialized directly from data
// with no local-filesystem round trip, so they are always inputs.
func (t *Task) SpecifyBuffer(data []byte, remoteName string, flags types.ArtifactFlags) *Task {
	a := types.Artifact{
		Kind:       types.ArtifactBuffer,
		Data:       data,
		RemoteName: remoteName,
		Flags:      flags,
	}
	return t.attach(a, Input)
}

// SpecifyURL declares an input the worker fetches itself, mirroring
// ds_task_specify_url. The URL itself is the artifact's source; no
// size or fingerprint is supplied here.
func (t *Task) SpecifyURL(url, remoteName string, flags types.ArtifactFlags) *Task {
	a := types.Artifact{
		Kind:       types.ArtifactURL,
		Source:     url,
		RemoteName: remoteName,
		Flags:      flags,
	}
	return t.attach(a, Input)
}

// SpecifyCommand declares an input the worker materializes by running
// a shell command and capturing its stdout, mirroring
// ds_task_specify_command.
func (t *Task) SpecifyCommand(command, remoteName string, flags types.ArtifactFlags) *Task {
	a := types.Artifact{
		Kind:       types.ArtifactCommand,
		Source:     command,
		RemoteName: remoteName,
		Flags:      flags,
	}
	return t.attach(a, Input)
}

func (t *Task) attach(a types.Artifact, direction Direction) *Task {
	if direction == Output {
		t.Outputs = append(t.Outputs, a)
	} else {
		t.Inputs = append(t.Inputs, a)
	}
	return t
}
