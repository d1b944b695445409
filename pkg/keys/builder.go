// Package keys builds the names of artifacts the harness asks the cluster to
// create.
package keys

import (
	"fmt"
	"path"
	"strings"
)

// Builder constructs cluster key names.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// ParseDestination names the parsed dataset for a source file in a given
// trial. The trial index keeps names from colliding with earlier trials'
// artifacts.
func (b Builder) ParseDestination(file string, trial int) string {
	return fmt.Sprintf("%s_%d.hex", b.baseName(file), trial)
}

// Model names the model fitted on a dataset for one class label.
func (b Builder) Model(datasetKey string, label int) string {
	return fmt.Sprintf("%s_glm_case%d", strings.TrimSuffix(datasetKey, ".hex"), label)
}

// SameFile reports whether two references name the same source file, ignoring
// directories and URI schemes.
func (b Builder) SameFile(a, c string) bool {
	return b.baseName(a) == b.baseName(c)
}

func (b Builder) baseName(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	return path.Base(ref)
}
