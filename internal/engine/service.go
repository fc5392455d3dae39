package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/galaxy/internal/macro"
	"github.com/starford/galaxy/internal/models"
)

// Resolver finds the definition for a label.
type Resolver interface {
	Resolve(label string) (models.MacroDefinition, error)
}

// Service runs tasks: it resolves the macro, executes it on the matching
// backend and reports failures to the UI. It never panics the host.
type Service struct {
	Resolver Resolver
	JS       Executor
	Starlark Executor
	Env      Env
	Script   ScriptRunner
	Notify   Notifier
	Files    FileStore
	Now      func() time.Time
	Logger   *slog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Definition returns what task would run: inline code compiled on the spot,
// otherwise the registered macro for the label or the fallback macro.
func (s *Service) Definition(task models.ExecutionTask) (models.MacroDefinition, error) {
	if task.Code != "" {
		def, err := macro.Compile(macro.InlineLabel, task.Code)
		if err != nil {
			return models.MacroDefinition{}, err
		}
		def.Origin = models.OriginInline
		return def, nil
	}
	if s.Resolver == nil {
		return models.MacroDefinition{}, errors.New("engine: no macro registry")
	}
	return s.Resolver.Resolve(task.Label)
}

// Run executes task and returns the macro result. On failure the error is
// also shown as a toast.
func (s *Service) Run(ctx context.Context, task models.ExecutionTask) (any, error) {
	result, err := s.run(ctx, task)
	if err != nil {
		s.logger().Error("engine: execute failed",
			slog.String("task_id", task.ID),
			slog.String("label", task.Label),
			slog.String("error", err.Error()))
		if s.Notify != nil {
			if toastErr := s.Notify.Toast(ctx, err.Error()); toastErr != nil {
				s.logger().Warn("engine: toast failed", slog.String("error", toastErr.Error()))
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, task models.ExecutionTask) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: panic: %v", r)
		}
	}()

	def, err := s.Definition(task)
	if err != nil {
		return nil, err
	}
	label := task.Label
	if label == "" {
		label = def.Label
	}
	caps := Capabilities{
		Input:  task.Input,
		Label:  label,
		Output: task.Output,
		Env:    s.Env,
		Script: s.Script,
		Notify: s.Notify,
		Files:  s.Files,
	}

	var exec Executor
	switch def.Kind {
	case models.MacroKindStarlark:
		exec = s.Starlark
	default:
		exec = s.JS
	}
	if exec == nil {
		return nil, fmt.Errorf("engine: no executor for %s macros", def.Kind)
	}

	start := s.now()
	s.logger().Info("engine: begin execution",
		slog.String("task_id", task.ID),
		slog.String("macro", def.Label),
		slog.Time("at", start))
	result, err = exec.Execute(ctx, def, caps)
	end := s.now()
	s.logger().Info("engine: completed execution",
		slog.String("task_id", task.ID),
		slog.String("macro", def.Label),
		slog.Time("at", end),
		slog.Duration("took", end.Sub(start)),
		slog.Bool("success", err == nil))
	return result, err
}
