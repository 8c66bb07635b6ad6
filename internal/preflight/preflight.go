package preflight

import (
	"context"
	"strings"

	"headless/internal/config"
)

// Result reports the outcome of a single preflight check. Required checks
// block signer startup when they fail.
type Result struct {
	Name     string
	Passed   bool
	Required bool
	Detail   string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		required(CheckDirectoryAccess("Wallets directory", cfg.Paths.WalletsDir)),
		required(CheckDirectoryAccess("State directory", cfg.Paths.StateDir)),
		required(CheckDirectoryAccess("Log directory", cfg.Paths.LogDir)),
	}

	// Port 0 asks the kernel for a free port, so there is nothing to probe.
	if cfg.Signer.Port != 0 {
		results = append(results, required(CheckListenAddress("Listen address", cfg.SignerAddress())))
	}

	if cfg.Signer.TLSCert != "" {
		results = append(results,
			required(CheckReadable("TLS certificate", cfg.Signer.TLSCert)),
			required(CheckReadable("TLS key", cfg.Signer.TLSKey)),
		)
	}

	if strings.TrimSpace(cfg.Operator.NtfyTopic) != "" {
		results = append(results, CheckNtfy(ctx, cfg.Operator.NtfyTopic))
	}

	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Required && !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

func required(r Result) Result {
	r.Required = true
	return r
}
