// Package doctor validates dropwatch configuration against the host
// environment: watch roots, processing commands, interpreters and tuning.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/dropwatch/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against the filesystem it will run on.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkTargetRoots(r)
	d.checkCommands(r)
	d.checkInterpreters(r)
	d.checkHistoryPath(r)
	d.checkAPI(r)
	d.warnStabilityTuning(r)
	d.warnOverlappingRoots(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkTargetRoots verifies each watch root exists and is a directory.
func (d *Doctor) checkTargetRoots(r *Result) {
	for i, t := range d.cfg.Targets {
		field := fmt.Sprintf("targets[%d].root", i)
		info, err := os.Stat(t.Root)
		if err != nil {
			d.addError(r, "roots", field,
				fmt.Sprintf("watch root %q does not exist", t.Root))
			continue
		}
		if !info.IsDir() {
			d.addError(r, "roots", field,
				fmt.Sprintf("watch root %q is not a directory", t.Root))
		}
	}
}

// checkCommands verifies each processing command file exists.
func (d *Doctor) checkCommands(r *Result) {
	for i, t := range d.cfg.Targets {
		field := fmt.Sprintf("targets[%d].command", i)
		info, err := os.Stat(t.Command)
		if err != nil {
			d.addError(r, "commands", field,
				fmt.Sprintf("command %q does not exist", t.Command))
			continue
		}
		if info.IsDir() {
			d.addError(r, "commands", field,
				fmt.Sprintf("command %q is a directory", t.Command))
		}
	}
}

// checkInterpreters verifies each target's interpreter or shell resolves.
func (d *Doctor) checkInterpreters(r *Result) {
	seen := map[string]bool{}
	for i, t := range d.cfg.Targets {
		program := t.RunnerProgram()
		if seen[program] {
			continue
		}
		seen[program] = true
		if _, err := exec.LookPath(program); err != nil {
			d.addError(r, "interpreters", fmt.Sprintf("targets[%d]", i),
				fmt.Sprintf("interpreter %q not found in PATH", program))
		}
	}
}

// checkHistoryPath verifies the history database location is usable.
func (d *Doctor) checkHistoryPath(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	dir := filepath.Dir(d.cfg.History.Path)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "history", "history.path",
			fmt.Sprintf("parent directory %q does not exist yet; it will be created on start", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "history", "history.path",
			fmt.Sprintf("parent %q is not a directory", dir))
	}
}

// checkAPI flags an unauthenticated API bound beyond loopback.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.APIKey != "" {
		return
	}
	host := d.cfg.API.Listen
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "127.0.0.1", "localhost", "::1", "[::1]":
	default:
		d.addWarning(r, "api", "api.api_key",
			fmt.Sprintf("API listens on %q without an api_key", d.cfg.API.Listen))
	}
}

// warnStabilityTuning flags settings that make detection impossible or slow.
func (d *Doctor) warnStabilityTuning(r *Result) {
	s := d.cfg.Stability
	if s.MinFileAge >= s.MaxWait {
		d.addError(r, "stability", "stability.min_file_age",
			fmt.Sprintf("min_file_age %s is not below max_wait %s; no file can ever stabilize", s.MinFileAge, s.MaxWait))
	}
	if s.InitialInterval > s.MaxWait {
		d.addWarning(r, "stability", "stability.initial_interval",
			fmt.Sprintf("initial_interval %s exceeds max_wait %s; the first poll will already time out", s.InitialInterval, s.MaxWait))
	}
}

// warnOverlappingRoots flags a target whose root sits inside another
// recursive target's tree; both would fire for the same files.
func (d *Doctor) warnOverlappingRoots(r *Result) {
	for i, a := range d.cfg.Targets {
		if !a.Recursive {
			continue
		}
		prefix := filepath.Clean(a.Root) + string(filepath.Separator)
		for j, b := range d.cfg.Targets {
			if i == j {
				continue
			}
			if strings.HasPrefix(filepath.Clean(b.Root)+string(filepath.Separator), prefix) {
				d.addWarning(r, "roots", fmt.Sprintf("targets[%d].root", j),
					fmt.Sprintf("root %q is inside recursive target %q; files there will be picked up twice", b.Root, a.Name))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}
	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
