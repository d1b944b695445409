package stage

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/keys"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// MinImportedFiles is the smallest enumeration an import may return: the
// workflow needs a training and a test file.
const MinImportedFiles = 2

// Import bulk-imports a folder so its files can be parsed.
type Import struct {
	Path string
}

// ImportedFile pairs a source file with the key the cluster stored it under.
type ImportedFile struct {
	File string `json:"file"`
	Key  string `json:"key"`
}

// ImportOutput lists the imported files.
type ImportOutput struct {
	Files  []ImportedFile
	Failed []string
}

func (ImportOutput) output() {}

// KeyFor returns the source key of an imported file, matched by base name.
func (o ImportOutput) KeyFor(file string) (string, error) {
	var b keys.Builder
	for _, f := range o.Files {
		if b.SameFile(f.File, file) {
			return f.Key, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingSource, file)
}

func (Import) stage()               {}
func (Import) Name() string         { return "import" }
func (Import) Kind() models.JobKind { return models.JobKindImport }

func (s Import) Payload() (models.Payload, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("import path is empty")
	}
	return models.Payload{"path": s.Path}, nil
}

type importWire struct {
	Files     []string       `json:"files"`
	Keys      []string       `json:"keys"`
	Fails     []string       `json:"fails"`
	Succeeded []ImportedFile `json:"succeeded"`
}

// Extract accepts either enumeration shape the service produces: a
// "succeeded" list of file/key objects, or parallel "files" and "keys"
// lists where a missing key defaults to the file name.
func (s Import) Extract(result models.Payload) (Output, error) {
	if err := validate.CheckImport(result); err != nil {
		return nil, err
	}
	var w importWire
	if err := decode(result, &w); err != nil {
		return nil, err
	}

	out := ImportOutput{Failed: w.Fails}
	if len(w.Succeeded) > 0 {
		out.Files = w.Succeeded
	} else {
		for i, f := range w.Files {
			key := f
			if i < len(w.Keys) {
				key = w.Keys[i]
			}
			out.Files = append(out.Files, ImportedFile{File: f, Key: key})
		}
	}

	if len(out.Files) < MinImportedFiles {
		return nil, fmt.Errorf("%w: got %d from %s, need at least %d",
			ErrEmptyImport, len(out.Files), s.Path, MinImportedFiles)
	}
	return out, nil
}

// Run executes the import and returns its typed output.
func (s Import) Run(ctx context.Context, r Runner, budget poll.Budget) (ImportOutput, Result) {
	res := Execute(ctx, r, budget, s)
	out, _ := res.Output.(ImportOutput)
	return out, res
}
