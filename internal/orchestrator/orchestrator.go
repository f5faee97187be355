// Package orchestrator exposes the configured script catalog over the task
// registry: shared scripts keyed by name, session scripts keyed by
// name and session id.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/btouchard/quantrun/internal/config"
	"github.com/btouchard/quantrun/internal/executor"
	"github.com/btouchard/quantrun/internal/task"
)

// ScriptInfo describes a runnable script.
type ScriptInfo struct {
	Name        string   `json:"name"`
	Mode        string   `json:"mode"`
	Description string   `json:"description,omitempty"`
	Command     string   `json:"command"`
	Running     []string `json:"running,omitempty"`
}

// Orchestrator resolves script names to process specs and drives the registry.
type Orchestrator struct {
	registry *task.Registry
	scripts  map[string]config.Script
	workDir  string
}

// New creates an Orchestrator. Relative script dirs resolve against workDir.
func New(registry *task.Registry, scripts map[string]config.Script, workDir string) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		scripts:  maps.Clone(scripts),
		workDir:  workDir,
	}
}

// SessionKey returns the registry key of a session-mode run.
func SessionKey(script, id string) string {
	return script + ":" + id
}

// Scripts lists the catalog sorted by name with the keys of live runs.
func (o *Orchestrator) Scripts() []ScriptInfo {
	running := make(map[string][]string)
	for _, snap := range o.registry.List() {
		name, _, _ := strings.Cut(snap.Key, ":")
		running[name] = append(running[name], snap.Key)
	}

	infos := make([]ScriptInfo, 0, len(o.scripts))
	for _, name := range slices.Sorted(maps.Keys(o.scripts)) {
		s := o.scripts[name]
		keys := running[name]
		slices.Sort(keys)
		infos = append(infos, ScriptInfo{
			Name:        name,
			Mode:        s.Mode,
			Description: s.Description,
			Command:     o.spec(s).String(),
			Running:     keys,
		})
	}
	return infos
}

// Script returns the configured script for name.
func (o *Orchestrator) Script(name string) (config.Script, error) {
	s, ok := o.scripts[name]
	if !ok {
		return config.Script{}, &UnknownScriptError{Name: name}
	}
	return s, nil
}

// Start launches a script in the background. Shared scripts ignore id and
// are keyed by name; session scripts require id.
func (o *Orchestrator) Start(ctx context.Context, name, id string, payload any) (*task.Task, error) {
	s, input, err := o.prepare(name, payload)
	if err != nil {
		return nil, err
	}

	key := name
	if s.Mode == config.ModeSession {
		if id == "" {
			return nil, fmt.Errorf("script %s requires a session id: %w", name, ErrWrongMode)
		}
		key = SessionKey(name, id)
	}

	return o.registry.Start(ctx, key, o.spec(s), input)
}

// RunSession launches a session-mode script bound to the returned owning
// subscription. Detaching the subscription stops the run.
func (o *Orchestrator) RunSession(ctx context.Context, name, id string, payload any) (*task.Task, *task.Subscription, error) {
	s, input, err := o.prepare(name, payload)
	if err != nil {
		return nil, nil, err
	}
	if s.Mode != config.ModeSession {
		return nil, nil, fmt.Errorf("script %s is %s: %w", name, s.Mode, ErrWrongMode)
	}
	if id == "" {
		return nil, nil, fmt.Errorf("script %s requires a session id: %w", name, ErrWrongMode)
	}

	return o.registry.StartAttached(ctx, SessionKey(name, id), o.spec(s), input)
}

// Stop stops the run registered under key.
func (o *Orchestrator) Stop(key string) error {
	return o.registry.Stop(key)
}

// StopSession stops the session run of script for id.
func (o *Orchestrator) StopSession(name, id string) error {
	if id == "" {
		return task.ErrInvalidKey
	}
	return o.registry.Stop(SessionKey(name, id))
}

// Watch attaches a shared subscription to the run of a shared script.
func (o *Orchestrator) Watch(name string) (*task.Subscription, error) {
	s, err := o.Script(name)
	if err != nil {
		return nil, err
	}
	if s.Mode != config.ModeShared {
		return nil, fmt.Errorf("script %s is %s: %w", name, s.Mode, ErrWrongMode)
	}
	return o.registry.Attach(name, task.ModeShared), nil
}

// Detach releases a subscription obtained from Watch or RunSession.
func (o *Orchestrator) Detach(sub *task.Subscription) {
	if sub == nil {
		return
	}
	o.registry.Detach(sub.Key, sub)
}

// Tasks returns snapshots of every live run.
func (o *Orchestrator) Tasks() []task.Snapshot {
	return o.registry.List()
}

// Task returns a snapshot of the live run under key.
func (o *Orchestrator) Task(key string) (task.Snapshot, bool) {
	t, ok := o.registry.Get(key)
	if !ok {
		return task.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Shutdown stops every run and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.registry.Shutdown(ctx)
}

func (o *Orchestrator) prepare(name string, payload any) (config.Script, []byte, error) {
	s, err := o.Script(name)
	if err != nil {
		return config.Script{}, nil, err
	}

	input, err := encodePayload(payload)
	if err != nil {
		return config.Script{}, nil, &PayloadError{Script: name, Reason: err.Error()}
	}
	if err := checkChoices(name, s.InputChoices, input); err != nil {
		return config.Script{}, nil, err
	}
	return s, input, nil
}

func (o *Orchestrator) spec(s config.Script) executor.Spec {
	dir := s.Dir
	if dir != "" && !filepath.IsAbs(dir) && o.workDir != "" {
		dir = filepath.Join(o.workDir, dir)
	}
	return executor.Spec{
		Command: s.Command,
		Args:    s.Args,
		Dir:     dir,
		Env:     s.Env,
	}
}

// encodePayload turns payload into the single JSON document written to stdin.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return validJSON(p)
	case json.RawMessage:
		return validJSON(p)
	case string:
		return validJSON([]byte(p))
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}

func validJSON(b []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return b, nil
}

func checkChoices(name string, choices map[string][]string, input []byte) error {
	if len(choices) == 0 {
		return nil
	}
	for _, field := range slices.Sorted(maps.Keys(choices)) {
		allowed := choices[field]
		v := gjson.GetBytes(input, field)
		if !v.Exists() {
			return &PayloadError{Script: name, Reason: fmt.Sprintf("%s is required", field)}
		}
		if !slices.Contains(allowed, v.String()) {
			return &PayloadError{
				Script: name,
				Reason: fmt.Sprintf("%s must be one of %s", field, strings.Join(allowed, ", ")),
			}
		}
	}
	return nil
}
