package guardrails

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"codeforge/pkg/proto"
)

// PromptRegistry stores one digest per step template. It is filled at startup,
// sealed, and read concurrently afterwards.
type PromptRegistry struct {
	digests map[proto.StepID]string
	mu      sync.RWMutex
	sealed  bool
}

// NewPromptRegistry returns an empty registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{digests: make(map[proto.StepID]string)}
}

// Digest returns the hex blake3 digest of template.
func Digest(template string) string {
	sum := blake3.Sum256([]byte(template))
	return hex.EncodeToString(sum[:])
}

// Register records the digest for step. Registering after Seal is an error.
func (r *PromptRegistry) Register(step proto.StepID, template string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("prompt registry is sealed, cannot register %s", step)
	}
	r.digests[step] = Digest(template)
	return nil
}

// Seal makes the registry read-only.
func (r *PromptRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Verify compares the template in use against the registered digest.
// Steps that were never registered pass.
func (r *PromptRegistry) Verify(step proto.StepID, template string) error {
	r.mu.RLock()
	expected, ok := r.digests[step]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if got := Digest(template); got != expected {
		return fmt.Errorf("%w: template for %s changed since startup (digest %s, expected %s)",
			ErrIntegrity, step, got[:12], expected[:12])
	}
	return nil
}

// Registered returns the digest recorded for step.
func (r *PromptRegistry) Registered(step proto.StepID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.digests[step]
	return d, ok
}
