package toolchain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jmcleod/tokenca/pipeline"
)

// GenerateKRL builds an OpenSSH key revocation list from spec, a KRL
// specification in ssh-keygen's text format, for certificates issued by
// the CA whose authorized_keys line is caPub. The binary KRL is returned.
func (t *Toolchain) GenerateKRL(ctx context.Context, caPub, spec []byte) ([]byte, error) {
	if len(bytes.TrimSpace(caPub)) == 0 {
		return nil, fmt.Errorf("generating KRL: missing CA public key")
	}

	inv := t.command(t.sshKeygen)
	defer inv.Close()

	// ssh-keygen may try the key path more than once while probing its
	// format, so it gets a rewindable channel.
	ca, err := inv.Input("ca.pub", caPub, pipeline.Seekable())
	if err != nil {
		return nil, err
	}
	specCh, err := inv.Input("krl.spec", spec)
	if err != nil {
		return nil, err
	}
	out, err := inv.Output("krl")
	if err != nil {
		return nil, err
	}

	if _, err := inv.Run(ctx, "-q", "-k", "-f", out.Path(), "-s", ca.Path(), specCh.Path()); err != nil {
		return nil, fmt.Errorf("generating KRL: %w", err)
	}
	return out.Bytes(), nil
}
