package common

import "errors"

var ErrModulePaused = errors.New("module paused")

var ErrActionPaused = errors.New("action paused")

type PauseView interface {
	IsPaused(module string) bool
}

// ActionPauseView exposes fine-grained pause switches keyed by module and action.
type ActionPauseView interface {
	IsActionPaused(module, action string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// GuardAction checks the module-wide switch first, then the per-action switch.
func GuardAction(p PauseView, module, action string) error {
	if err := Guard(p, module); err != nil {
		return err
	}
	ap, ok := p.(ActionPauseView)
	if !ok || action == "" {
		return nil
	}
	if ap.IsActionPaused(module, action) {
		return ErrActionPaused
	}
	return nil
}
