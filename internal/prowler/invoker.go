// Package prowler runs the prowler scanner for a single cloud account and
// returns the path of its output artifact.
package prowler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/vault"
)

// tailSize is the amount of output kept in a ScanError.
const tailSize = 4096

// ScanError describes an unsuccessful scanner run.
type ScanError struct {
	Provider model.Provider
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ScanError) Error() string {
	var b strings.Builder
	switch {
	case e.TimedOut:
		fmt.Fprintf(&b, "prowler %s timed out", e.Provider.Slug())
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, "prowler %s failed with exit code %d", e.Provider.Slug(), e.ExitCode)
	default:
		fmt.Fprintf(&b, "prowler %s failed", e.Provider.Slug())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := lastLine(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

var ErrNoArtifact = errors.New("output artifact not generated")

type Invoker struct {
	binary    string
	outputDir string
	cfg       model.ScannerConfig
	aws       model.AWSConfig
	environ   func() []string
}

type Option func(*Invoker)

// WithEnviron replaces os.Environ as the base environment of the scanner.
func WithEnviron(environ func() []string) Option {
	return func(i *Invoker) {
		i.environ = environ
	}
}

// New returns an invoker. aws is the environment provided AWS credential
// used when a scan comes without one.
func New(cfg model.ScannerConfig, aws model.AWSConfig, opts ...Option) (*Invoker, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	i := &Invoker{
		binary:    cfg.Binary,
		outputDir: cfg.OutputDir,
		cfg:       cfg,
		aws:       aws,
		environ:   os.Environ,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Run scans target with prowler and returns the artifact path. A nil cred
// selects the environment provided credential. Errors are classified as
// model.KindScan or model.KindTimeout, wrapping *ScanError.
func (i *Invoker) Run(ctx context.Context, provider model.Provider, cred *vault.Credential, target string, opts model.Options) (string, error) {
	const op = "prowler.run"
	name := fmt.Sprintf("%s-scan-%s", provider.Slug(), uuid.NewString())

	env, err := i.env(provider, cred, target)
	if err != nil {
		return "", model.E(model.KindScan, op, err)
	}
	cmd := Command{
		Path:    i.binary,
		Args:    i.args(provider, name, target, opts),
		Env:     env,
		Timeout: i.cfg.Timeout,
	}

	slog.DebugContext(ctx, "starting prowler", "path", cmd.Path, "args", cmd.Args, "env", envKeys(env))
	res := Run(ctx, cmd, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "prowler", "stderr", line)
	})
	slog.DebugContext(ctx, "prowler finished",
		"exit_code", res.ExitCode,
		"duration", res.Stopped.Sub(res.Started).String(),
	)

	scanErr := &ScanError{
		Provider: provider,
		ExitCode: res.ExitCode,
		Stdout:   tail(res.Stdout.String()),
		Stderr:   tail(res.Stderr.String()),
		TimedOut: res.TimedOut,
	}
	switch {
	case res.TimedOut:
		scanErr.Err = fmt.Errorf("killed after %s", i.cfg.Timeout)
		return "", model.E(model.KindTimeout, op, scanErr)
	case res.ExitCode < 0:
		scanErr.Err = res.Err
		return "", model.E(model.KindScan, op, scanErr)
	case res.ExitCode != 0 && !slices.Contains(i.cfg.AdvisoryExitCodes, res.ExitCode):
		return "", model.E(model.KindScan, op, scanErr)
	}

	artifact := filepath.Join(i.outputDir, name+artifactExt(provider))
	if _, err := os.Stat(artifact); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNoArtifact
		}
		scanErr.Err = err
		return "", model.E(model.KindScan, op, scanErr)
	}
	return artifact, nil
}

func (i *Invoker) args(provider model.Provider, name, target string, opts model.Options) []string {
	args := []string{provider.Slug()}
	switch provider {
	case model.ProviderAWS:
		args = append(args, "--output-formats", "json-asff")
	case model.ProviderGCP:
		args = append(args, "--output-formats", "csv")
	}
	args = append(args,
		"--output-filename", name,
		"--output-directory", i.outputDir,
		"--ignore-exit-code-3",
	)
	switch {
	case provider == model.ProviderAWS && target != "" && target != model.AllRegions:
		args = append(args, "--region", target)
	case provider == model.ProviderGCP && target != "":
		args = append(args, "--project-id", target)
	}
	if len(opts.Checks) > 0 {
		args = append(args, "--checks")
		args = append(args, opts.Checks...)
	}
	if opts.Group != "" {
		args = append(args, "--compliance", opts.Group)
	}
	return args
}

func (i *Invoker) env(provider model.Provider, cred *vault.Credential, target string) ([]string, error) {
	env := i.environ()
	switch provider {
	case model.ProviderAWS:
		keys := i.aws.Keys()
		if cred != nil {
			b, err := cred.Read()
			if err != nil {
				return nil, err
			}
			keys = model.AWSKeys{}
			if err := json.Unmarshal(b, &keys); err != nil {
				return nil, fmt.Errorf("decoding AWS credential %s: %w", cred.ID, err)
			}
			if !keys.Valid() {
				return nil, fmt.Errorf("AWS credential %s: access key id and secret are required", cred.ID)
			}
		}
		if keys.Valid() {
			env = append(env,
				"AWS_ACCESS_KEY_ID="+keys.AccessKeyID,
				"AWS_SECRET_ACCESS_KEY="+keys.SecretAccessKey,
			)
		}
		if target != "" && target != model.AllRegions {
			env = append(env, "AWS_DEFAULT_REGION="+target)
		}
	case model.ProviderGCP:
		if cred == nil {
			return nil, errors.New("GCP scan requires a credential file")
		}
		env = append(env, "GOOGLE_APPLICATION_CREDENTIALS="+cred.Path)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return env, nil
}

func artifactExt(provider model.Provider) string {
	if provider == model.ProviderAWS {
		return ".asff.json"
	}
	return ".csv"
}

// envKeys drops the values, which may be secrets.
func envKeys(env []string) []string {
	keys := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		keys = append(keys, k)
	}
	return keys
}

func tail(s string) string {
	if len(s) <= tailSize {
		return s
	}
	return s[len(s)-tailSize:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
