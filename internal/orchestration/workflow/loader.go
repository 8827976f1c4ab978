package workflow

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// duration lets template files write durations as "20m" or plain seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return perr
		}
		*d = duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = duration(time.Duration(n) * time.Second)
	return nil
}

// templateFile is the YAML shape of a user-defined workflow template, kept
// separate from Template so the on-disk schema can stay stable.
type templateFile struct {
	Name           string           `yaml:"name"`
	Description    string           `yaml:"description"`
	Roles          []string         `yaml:"roles"`
	Steps          []stepFile       `yaml:"steps"`
	Transitions    []transitionFile `yaml:"transitions"`
	EntryStep      string           `yaml:"entryStep"`
	CompletionStep string           `yaml:"completionStep"`
	MaxDuration    duration         `yaml:"maxDuration"`
	MaxRevisions   int              `yaml:"maxRevisions"`
}

type stepFile struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Role          string   `yaml:"role"`
	Type          string   `yaml:"type"`
	InputTypes    []string `yaml:"inputTypes"`
	OutputType    string   `yaml:"outputType"`
	MaxIterations int      `yaml:"maxIterations"`
	Timeout       duration `yaml:"timeout"`
	Optional      bool     `yaml:"optional"`
}

type transitionFile struct {
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	On      string `yaml:"on"`      // complete | verdict | default
	Verdict string `yaml:"verdict"` // required when on=verdict
}

func (f templateFile) toTemplate() *Template {
	t := &Template{
		Name:           f.Name,
		Description:    f.Description,
		EntryStep:      f.EntryStep,
		CompletionStep: f.CompletionStep,
		MaxDuration:    time.Duration(f.MaxDuration),
		MaxRevisions:   f.MaxRevisions,
	}
	for _, r := range f.Roles {
		t.Roles = append(t.Roles, message.Role(r))
	}
	for _, s := range f.Steps {
		step := Step{
			ID:            s.ID,
			Description:   s.Description,
			Role:          message.Role(s.Role),
			Type:          StepType(s.Type),
			OutputType:    message.Type(s.OutputType),
			MaxIterations: s.MaxIterations,
			Timeout:       time.Duration(s.Timeout),
			Optional:      s.Optional,
		}
		if step.MaxIterations == 0 {
			step.MaxIterations = 1
		}
		for _, it := range s.InputTypes {
			step.InputTypes = append(step.InputTypes, message.Type(it))
		}
		t.Steps = append(t.Steps, step)
	}
	for _, tr := range f.Transitions {
		kind := ConditionKind(tr.On)
		if kind == "" {
			kind = CondComplete
		}
		t.Transitions = append(t.Transitions, Edge{
			From:    tr.From,
			To:      tr.To,
			Kind:    kind,
			Verdict: message.Verdict(tr.Verdict),
		})
	}
	return t
}

// LoadUserTemplates registers the YAML templates found under dir (typically
// ./.swarm/workflows/). Invalid files are skipped with a warning so one bad
// template cannot take the built-ins down. Returns how many loaded.
func LoadUserTemplates(r *Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "read workflows directory", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the workflows directory listing
		if err != nil {
			log.Warn(log.CatWorkflow, "skipping unreadable workflow template", "path", path, "error", err)
			continue
		}

		var file templateFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Warn(log.CatWorkflow, "skipping malformed workflow template", "path", path, "error", err)
			continue
		}

		tmpl := file.toTemplate()
		if err := r.Register(tmpl); err != nil {
			log.Warn(log.CatWorkflow, "skipping invalid workflow template", "path", path, "error", err)
			continue
		}
		log.Info(log.CatWorkflow, "user workflow template loaded", "name", tmpl.Name, "path", path)
		loaded++
	}
	return loaded, nil
}
