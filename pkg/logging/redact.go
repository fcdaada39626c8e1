package logging

import (
	"bytes"
	"io"
	"regexp"
)

// mask is what redacted values are replaced with in log output.
const mask = "[REDACTED]"

// bearerPattern matches bearer tokens regardless of whether the literal
// token value was registered as a secret.
var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

// Redactor is an io.Writer that masks configured secret values and
// bearer-token shapes before log lines reach the underlying sink.
type Redactor struct {
	out     io.Writer
	secrets [][]byte
}

// NewRedactor wraps out with secret masking. Empty secret strings are
// ignored so a missing config value cannot blank out every log line.
func NewRedactor(out io.Writer, secrets []string) *Redactor {
	r := &Redactor{out: out}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, []byte(s))
		}
	}
	return r
}

// Write implements io.Writer. The redacted copy is written instead of p;
// the reported length is len(p) so zerolog does not treat masking as a
// short write.
func (r *Redactor) Write(p []byte) (int, error) {
	redacted := p
	for _, secret := range r.secrets {
		redacted = bytes.ReplaceAll(redacted, secret, []byte(mask))
	}
	redacted = bearerPattern.ReplaceAll(redacted, []byte("Bearer "+mask))

	if _, err := r.out.Write(redacted); err != nil {
		return 0, err
	}
	return len(p), nil
}
