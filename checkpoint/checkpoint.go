// Package checkpoint records CA state changes as git commits. Git is run
// through the pipeline executor like every other external tool; commit
// messages travel over an input channel.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/tokenca/pipeline"
)

// ErrNotRepository is returned by Commit when the state directory has not
// been initialized as a repository.
var ErrNotRepository = errors.New("state directory is not a git repository")

// Message is a checkpoint commit message.
type Message struct {
	Subject     string
	Body        []string
	OperationID string
}

// String renders the message with the operation id as a git trailer.
func (m Message) String() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(m.Subject))
	sb.WriteString("\n")
	if len(m.Body) > 0 {
		sb.WriteString("\n")
		for _, line := range m.Body {
			sb.WriteString(line + "\n")
		}
	}
	if m.OperationID != "" {
		sb.WriteString("\nOperation-Id: " + m.OperationID + "\n")
	}
	return sb.String()
}

// Repo is the git working tree holding the CA state.
type Repo struct {
	dir         string
	git         string
	authorName  string
	authorEmail string
	logger      *slog.Logger
}

// Option configures a Repo.
type Option func(*Repo)

// WithGit sets the git binary.
func WithGit(path string) Option {
	return func(r *Repo) {
		if path != "" {
			r.git = path
		}
	}
}

// WithAuthor sets the identity recorded on checkpoint commits. When unset
// git's own configuration applies.
func WithAuthor(name, email string) Option {
	return func(r *Repo) {
		r.authorName = name
		r.authorEmail = email
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repo) {
		r.logger = l
	}
}

// New returns the repository rooted at dir.
func New(dir string, opts ...Option) *Repo {
	r := &Repo{dir: dir, git: "git", logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the working tree root.
func (r *Repo) Dir() string {
	return r.dir
}

// IsRepository reports whether dir already holds a git repository.
func (r *Repo) IsRepository() (bool, error) {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Init creates the repository if it does not exist yet. An existing
// repository is left untouched and created is false.
func (r *Repo) Init(ctx context.Context) (created bool, err error) {
	ok, err := r.IsRepository()
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if _, err := r.run(ctx, "init", "-q"); err != nil {
		return false, fmt.Errorf("initializing repository: %w", err)
	}
	r.logger.InfoContext(ctx, "initialized state repository", slog.String("dir", r.dir))
	return true, nil
}

// Commit stages paths (relative to the working tree) and commits them with
// msg. Nothing is committed when the staged content is unchanged, in which
// case committed is false.
func (r *Repo) Commit(ctx context.Context, msg Message, paths ...string) (committed bool, err error) {
	ok, err := r.IsRepository()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRepository, r.dir)
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}

	if _, err := r.run(ctx, append([]string{"add", "-A", "--"}, paths...)...); err != nil {
		return false, fmt.Errorf("staging checkpoint: %w", err)
	}

	_, err = r.run(ctx, "diff", "--cached", "--quiet")
	switch {
	case err == nil:
		r.logger.DebugContext(ctx, "checkpoint skipped, nothing changed", slog.String("subject", msg.Subject))
		return false, nil
	case !pipeline.IsExitCode(err, 1):
		return false, fmt.Errorf("checking staged changes: %w", err)
	}

	inv := r.command()
	defer inv.Close()
	in, err := inv.Input("message", []byte(msg.String()))
	if err != nil {
		return false, err
	}
	if _, err := inv.Run(ctx, r.args("commit", "-q", "-F", in.Path())...); err != nil {
		return false, fmt.Errorf("committing checkpoint: %w", err)
	}

	r.logger.InfoContext(ctx, "checkpoint committed",
		slog.String("subject", msg.Subject),
		slog.String("operation_id", msg.OperationID))
	return true, nil
}

// Head returns the commit id of HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Repo) command() *pipeline.Invocation {
	return pipeline.New(r.git, pipeline.WithDir(r.dir), pipeline.WithLogger(r.logger))
}

func (r *Repo) args(args ...string) []string {
	var out []string
	if r.authorName != "" {
		out = append(out, "-c", "user.name="+r.authorName)
	}
	if r.authorEmail != "" {
		out = append(out, "-c", "user.email="+r.authorEmail)
	}
	return append(out, args...)
}

func (r *Repo) run(ctx context.Context, args ...string) ([]byte, error) {
	return r.command().Run(ctx, r.args(args...)...)
}
