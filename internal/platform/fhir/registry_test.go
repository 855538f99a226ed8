package fhir

import (
	"testing"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry([]string{"Patient", "Observation", "Binary"})
	if err != nil {
		t.Fatal(err)
	}

	// Every type carries the common parameters, even one with no
	// definitions of its own.
	for _, rt := range []string{"Patient", "Observation", "Binary"} {
		for _, code := range []string{"_id", "_lastUpdated", "_profile", "_tag", "_security"} {
			if _, ok := reg.Lookup(rt, code); !ok {
				t.Errorf("%s missing %s", rt, code)
			}
		}
	}

	def, ok := reg.Lookup("Patient", "organization")
	if !ok || def.Type != index.TypeReference || len(def.Targets) != 1 {
		t.Errorf("Patient.organization: %+v (ok=%v)", def, ok)
	}

	def, ok = reg.Lookup("Observation", "code-value-quantity")
	if !ok || def.Type != index.TypeComposite || len(def.Components) != 2 {
		t.Errorf("Observation.code-value-quantity: %+v (ok=%v)", def, ok)
	}

	if _, ok := reg.Lookup("Binary", "family"); ok {
		t.Error("Binary must not inherit Patient parameters")
	}
}
