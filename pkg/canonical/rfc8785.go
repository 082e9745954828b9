package canonical

import (
	"fmt"

	"github.com/gowebpki/jcs"
)

// TransformRFC8785 re-serializes raw JSON into RFC 8785 (JCS) form.
// Exported audit bundles carry this form so third-party tooling can verify
// them without knowing this module's canonical escaping rules.
func TransformRFC8785(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: rfc8785 transform failed: %w", err)
	}
	return out, nil
}
